package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("board refresher starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := os.Getenv("TASKS_TABLE")
	eventsQueue := os.Getenv("BOARD_EVENTS_QUEUE")
	if connStr == "" || tasksTable == "" || eventsQueue == "" {
		log.Fatal("missing storage config")
	}
	table, err := storage.New(connStr, tasksTable, eventsQueue, 0)
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

	ttl := 5 * time.Minute
	if v := os.Getenv("TASKS_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid TASKS_CACHE_TTL: %q", v)
		}
		ttl = d
	}
	prefix := os.Getenv("BOARD_CHANNEL_PREFIX")
	if prefix == "" {
		prefix = "board"
	}

	r := &refresher{
		events:        table,
		cache:         storage.NewCache(table, rc, ttl),
		rc:            rc,
		channelPrefix: prefix,
		idle:          time.Second,
		log:           log.StandardLogger(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	r.run(ctx)
	log.Info("board refresher stopped")
}
