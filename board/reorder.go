package board

import (
	"errors"
	"fmt"

	"board-api/domain"
)

const (
	// PositionStep is the gap between consecutive positions after a renumber.
	PositionStep = 1000
	// MaxPosition caps renumbered positions. Columns longer than
	// MaxPosition/PositionStep share MaxPosition at the tail.
	MaxPosition = 1_000_000
)

var (
	// ErrStaleMove reports a move whose source no longer matches the board,
	// typically because a refresh raced the drag. The board is left unchanged.
	ErrStaleMove = errors.New("stale move")
	// ErrUnknownColumn reports a move naming a status outside the board.
	ErrUnknownColumn = errors.New("unknown column")
)

// Result is the outcome of a move: the board to display and the updates to
// persist, in emission order.
type Result struct {
	Columns Columns
	Updates []domain.TaskUpdate
}

// Moved reports whether the move changed anything.
func (r Result) Moved() bool { return len(r.Updates) > 0 }

// PositionFor returns the position assigned to display index i.
func PositionFor(i int) int {
	return min((i+1)*PositionStep, MaxPosition)
}

// AppendPosition returns the position for a task added at the bottom of col,
// a column in display order. It never sorts the new task above an existing
// one, even when the column was not renumbered yet.
func AppendPosition(col []domain.Task) int {
	pos := PositionFor(len(col))
	if n := len(col); n > 0 && pos <= col[n-1].Position {
		pos = min(col[n-1].Position+PositionStep, MaxPosition)
	}
	return pos
}

// Apply performs one drag-and-drop move on cols.
//
// A move without destination is a no-op. A source index outside the source
// column, or a TaskID that does not match the task found there, aborts with
// ErrStaleMove. In both cases the returned columns equal cols and no updates
// are produced. The destination index is clamped to the column bounds.
//
// Updates list the moved task first, then every other destination task whose
// position changed, then (for cross-column moves) every source task whose
// position changed, each in display order.
func Apply(cols Columns, mv domain.Move) (Result, error) {
	if mv.Destination == nil {
		return Result{Columns: cols}, nil
	}
	src := mv.Source.Status
	dst := mv.Destination.Status
	if !src.Valid() {
		return Result{Columns: cols}, fmt.Errorf("%w: source %q", ErrUnknownColumn, string(src))
	}
	if !dst.Valid() {
		return Result{Columns: cols}, fmt.Errorf("%w: destination %q", ErrUnknownColumn, string(dst))
	}

	srcCol := cols[src]
	idx := mv.Source.Index
	if idx < 0 || idx >= len(srcCol) {
		return Result{Columns: cols}, fmt.Errorf("%w: source index %d out of range for %s (len %d)", ErrStaleMove, idx, src, len(srcCol))
	}
	moved := srcCol[idx]
	if mv.TaskID != "" && moved.ID != mv.TaskID {
		return Result{Columns: cols}, fmt.Errorf("%w: expected task %s at %s[%d], found %s", ErrStaleMove, mv.TaskID, src, idx, moved.ID)
	}

	next := cols.clone()
	next[src] = remove(next[src], idx)
	moved.Status = dst

	at := mv.Destination.Index
	if at < 0 {
		at = 0
	}
	if at > len(next[dst]) {
		at = len(next[dst])
	}
	next[dst] = insert(next[dst], at, moved)

	updates := make([]domain.TaskUpdate, 0, 1+len(next[dst]))
	updates = append(updates, domain.TaskUpdate{ID: moved.ID, Status: dst, Position: PositionFor(at)})
	updates = renumber(next[dst], at, updates)
	if src != dst {
		updates = renumber(next[src], -1, updates)
	}
	return Result{Columns: next, Updates: updates}, nil
}

// renumber assigns PositionFor(i) to every task in col, appending an update
// for each task whose position changed. The task at skip is renumbered but
// not reported.
func renumber(col []domain.Task, skip int, updates []domain.TaskUpdate) []domain.TaskUpdate {
	for i := range col {
		pos := PositionFor(i)
		if i != skip && col[i].Position != pos {
			updates = append(updates, domain.TaskUpdate{ID: col[i].ID, Status: col[i].Status, Position: pos})
		}
		col[i].Position = pos
	}
	return updates
}

func remove(col []domain.Task, i int) []domain.Task {
	out := make([]domain.Task, 0, len(col)-1)
	out = append(out, col[:i]...)
	return append(out, col[i+1:]...)
}

func insert(col []domain.Task, i int, t domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(col)+1)
	out = append(out, col[:i]...)
	out = append(out, t)
	return append(out, col[i:]...)
}
