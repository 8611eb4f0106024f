package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Status is the board column a task belongs to.
type Status string

const (
	StatusBacklog    Status = "BACKLOG"
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusInReview   Status = "IN_REVIEW"
	StatusDone       Status = "DONE"
)

// ErrUnknownStatus is returned for values outside the fixed column set.
var ErrUnknownStatus = errors.New("unknown task status")

var statuses = [...]Status{
	StatusBacklog,
	StatusTodo,
	StatusInProgress,
	StatusInReview,
	StatusDone,
}

// Statuses returns every status in board order.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses[:])
	return out
}

// Valid reports whether s is one of the five board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusInReview, StatusDone:
		return true
	default:
		return false
	}
}

// Index returns the column's position on the board, or -1 for unknown values.
func (s Status) Index() int {
	for i, st := range statuses {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Status) String() string { return string(s) }

// ParseStatus accepts the canonical upper-case value; surrounding spaces and
// case are ignored so query strings like "in_progress" work.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, string(s))
	}
	return sonic.Marshal(string(s))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
