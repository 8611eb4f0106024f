package domain

import "time"

// Task represents a single card on the board.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	WorkspaceID string     `json:"workspaceId"`
	ProjectID   string     `json:"projectId,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Status      Status     `json:"status"`
	Position    int        `json:"position"`
}

// TaskUpdate is a status/position change destined for the persistence layer.
type TaskUpdate struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Position int    `json:"position"`
}
