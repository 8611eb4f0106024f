package api

import (
	"context"

	"board-api/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error)
	BulkUpdateTasks(ctx context.Context, workspaceID string, updates []domain.TaskUpdate) error
	CreateTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, workspaceID, taskID string) (domain.Task, error)
	DeleteTask(ctx context.Context, workspaceID, taskID string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents a replayed move from being applied twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the move was not applied.
	Remove(ctx context.Context, scope, key string) error
}
