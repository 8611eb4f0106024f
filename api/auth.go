package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// DefaultJWKSCacheTTL bounds how long a resolved signing key is reused.
const DefaultJWKSCacheTTL = 15 * time.Minute

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// AuthConfig selects how bearer tokens are verified. When HMACSecret is set,
// tokens are HS256-signed with it (local and test environments); otherwise
// RS256 keys are resolved through JWKS.
type AuthConfig struct {
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	HMACSecret  []byte
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	cfg    AuthConfig
	parser *jwt.Parser

	keyCache sync.Map
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(cfg AuthConfig) *Auth {
	a := &Auth{cfg: cfg}
	if len(cfg.HMACSecret) > 0 {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// bearerToken returns the compact JWT carried by an Authorization header value.
func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// UserIDFromBearer verifies token and returns its subject.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}

	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.cfg.Audience != "" && !claims.VerifyAudience(a.cfg.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.cfg.Issuer != "" && !claims.VerifyIssuer(a.cfg.Issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if len(a.cfg.HMACSecret) > 0 {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.cfg.HMACSecret, nil
	}
	if a.cfg.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	cacheable := kid != "" && a.cfg.KeyCacheTTL > 0
	if cacheable {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.cfg.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if cacheable {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.cfg.KeyCacheTTL)})
	}
	return key, nil
}
