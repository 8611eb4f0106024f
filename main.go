package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/api"
	"board-api/domain"
	"board-api/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	eventsQueueName := os.Getenv("BOARD_EVENTS_QUEUE")
	if connStr == "" || tasksTableName == "" {
		log.Fatal("missing storage config")
	}
	table, err := storage.New(connStr, tasksTableName, eventsQueueName, 0)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := storage.ParseRedisOptions(redisConn)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	store := storage.NewCache(table, rc, positiveDuration("TASKS_CACHE_TTL", 5*time.Minute))
	deduper := api.NewRedisDeduper(rc, positiveDuration("DEDUPER_TTL", 24*time.Hour))

	auth := newAuth()

	labels := domain.DefaultLabels()
	if path := os.Getenv("BOARD_CONFIG"); path != "" {
		labels, err = domain.LoadLabels(path)
		if err != nil {
			log.Fatalf("board config: %v", err)
		}
	}

	logger := log.StandardLogger()
	sender := api.NewUpdateSender(store, deduper, logger, api.UpdateSenderConfigFromEnv())

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware(api.DefaultMaxInflatedBody))
	api.Register(e, store, auth, deduper, sender, labels, logger)
	api.RegisterStream(e, store, auth, api.NewRedisNotifier(rc, os.Getenv("BOARD_CHANNEL_PREFIX")), labels, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	sender.Close()
}

func newAuth() *api.Auth {
	keyTTL := positiveDuration("JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL)

	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("missing TEST_JWT_SECRET")
		}
		return api.NewAuth(api.AuthConfig{HMACSecret: []byte(secret), Audience: os.Getenv("AUTH0_AUDIENCE")})
	}
	if os.Getenv("LOCAL_AUTH_MODE") == "1" {
		secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			log.Fatal("missing LOCAL_AUTH_SHARED_SECRET")
		}
		log.Warn("local auth mode enabled; tokens are verified with a shared secret")
		return api.NewAuth(api.AuthConfig{HMACSecret: []byte(secret)})
	}

	audience := os.Getenv("AUTH0_AUDIENCE")
	auth0Domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || auth0Domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Errorf("jwks refresh: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      "https://" + auth0Domain + "/",
		KeyCacheTTL: keyTTL,
	})
}

func positiveDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}
