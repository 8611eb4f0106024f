package storage

import (
	"crypto/tls"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ParseRedisOptions accepts either a redis:// URL or an Azure-style
// "host:port,password=...,ssl=True" connection string.
func ParseRedisOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}

	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	if opts.Addr == "" {
		return nil, errors.New("redis connection string has no address")
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(v), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
