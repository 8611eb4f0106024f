package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error)
	BulkUpdateTasks(ctx context.Context, workspaceID string, updates []domain.TaskUpdate) error
	CreateTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, workspaceID, taskID string) (domain.Task, error)
	DeleteTask(ctx context.Context, workspaceID, taskID string) error
}

// Cache wraps a backend with Redis-backed caching of workspace task lists.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A zero TTL disables writes to the cache.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// FetchTasks serves the workspace's tasks from Redis, loading them from the
// backend on a miss.
func (c *Cache) FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, workspaceID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	c.storeTasks(ctx, workspaceID, tasks)
	return tasks, nil
}

// BulkUpdateTasks applies the updates through the backend and evicts the
// workspace's cached task list.
func (c *Cache) BulkUpdateTasks(ctx context.Context, workspaceID string, updates []domain.TaskUpdate) error {
	err := c.base.BulkUpdateTasks(ctx, workspaceID, updates)
	// A failed batch may have committed earlier transactions.
	c.Evict(ctx, workspaceID)
	return err
}

// CreateTask inserts the task and evicts its workspace's cached list.
func (c *Cache) CreateTask(ctx context.Context, t domain.Task) error {
	if err := c.base.CreateTask(ctx, t); err != nil {
		return err
	}
	c.Evict(ctx, t.WorkspaceID)
	return nil
}

// GetTask reads straight from the backend.
func (c *Cache) GetTask(ctx context.Context, workspaceID, taskID string) (domain.Task, error) {
	return c.base.GetTask(ctx, workspaceID, taskID)
}

// DeleteTask removes the task and evicts the workspace's cached list, also
// when the task was already gone.
func (c *Cache) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	err := c.base.DeleteTask(ctx, workspaceID, taskID)
	c.Evict(ctx, workspaceID)
	return err
}

// Refresh reloads the workspace's tasks from the backend and overwrites the
// cached copy.
func (c *Cache) Refresh(ctx context.Context, workspaceID string) ([]domain.Task, error) {
	tasks, err := c.base.FetchTasks(ctx, workspaceID)
	if err != nil {
		c.Evict(ctx, workspaceID)
		return nil, err
	}
	c.storeTasks(ctx, workspaceID, tasks)
	return tasks, nil
}

// Evict drops the cached task list of the workspace.
func (c *Cache) Evict(ctx context.Context, workspaceID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(workspaceID)).Err()
}

func (c *Cache) loadTasks(ctx context.Context, workspaceID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(workspaceID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(workspaceID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(workspaceID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, workspaceID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(workspaceID), data, c.ttl).Err()
}

func tasksCacheKey(workspaceID string) string {
	return "tasks:" + workspaceID
}
