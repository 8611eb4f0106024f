package domain

// Board event types.
const (
	EventTasksReordered = "tasks-reordered"
	EventTaskCreated    = "task-created"
	EventTaskDeleted    = "task-deleted"
)

// BoardEvent announces that a workspace's tasks changed and cached copies
// must be refreshed.
type BoardEvent struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Type        string   `json:"type"`
	TaskIDs     []string `json:"taskIds,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}
