package domain

import (
	"strings"
	"time"
)

// TaskFilter narrows a workspace's task list. Zero fields match everything.
type TaskFilter struct {
	ProjectID  string
	AssigneeID string
	Status     Status
	DueDate    *time.Time
	Search     string
}

// Matches reports whether t satisfies every set field of f. DueDate matches
// tasks due on the same UTC calendar day; Search is a case-insensitive
// substring match on the task name.
func (f TaskFilter) Matches(t Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.DueDate != nil {
		if t.DueDate == nil || !sameDay(*t.DueDate, *f.DueDate) {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// Apply returns the tasks matching f, preserving input order.
func (f TaskFilter) Apply(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
