package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "move"

// RedisDeduper stores applied move keys in Redis so all instances reject the
// same replayed gesture.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scope, key string) string {
	return scope + ":" + dedupeKeyPrefix + ":" + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, scope, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(scope, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so the client may retry the move.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}

// dedupeScope namespaces keys per user and workspace.
func dedupeScope(userID, workspaceID string) string {
	return userID + ":" + workspaceID
}
