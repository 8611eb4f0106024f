// Package board groups tasks into Kanban columns and applies drag-and-drop
// moves, producing the position updates the persistence layer must apply.
//
// Everything in this package is pure: inputs are never mutated and no state
// is kept between calls.
package board

import (
	"fmt"
	"sort"

	"board-api/domain"
)

// Columns maps every status to its tasks in display order. Values produced by
// Group always hold all five statuses.
type Columns map[domain.Status][]domain.Task

// Group derives the columns from an unordered task list. Each column is
// sorted ascending by position; ties keep their input order.
func Group(tasks []domain.Task) (Columns, error) {
	cols := empty()
	for _, t := range tasks {
		if !t.Status.Valid() {
			return nil, fmt.Errorf("task %s: %w: %q", t.ID, domain.ErrUnknownStatus, string(t.Status))
		}
		cols[t.Status] = append(cols[t.Status], t)
	}
	for _, s := range domain.Statuses() {
		col := cols[s]
		sort.SliceStable(col, func(i, j int) bool { return col[i].Position < col[j].Position })
	}
	return cols, nil
}

// Flatten returns all tasks in board order: column by column, each in display
// order.
func (c Columns) Flatten() []domain.Task {
	n := 0
	for _, col := range c {
		n += len(col)
	}
	out := make([]domain.Task, 0, n)
	for _, s := range domain.Statuses() {
		out = append(out, c[s]...)
	}
	return out
}

// Len returns the total number of tasks on the board.
func (c Columns) Len() int {
	n := 0
	for _, col := range c {
		n += len(col)
	}
	return n
}

func (c Columns) clone() Columns {
	out := make(Columns, len(c))
	for s, col := range c {
		cp := make([]domain.Task, len(col))
		copy(cp, col)
		out[s] = cp
	}
	for _, s := range domain.Statuses() {
		if out[s] == nil {
			out[s] = []domain.Task{}
		}
	}
	return out
}

func empty() Columns {
	cols := make(Columns, len(domain.Statuses()))
	for _, s := range domain.Statuses() {
		cols[s] = []domain.Task{}
	}
	return cols
}
