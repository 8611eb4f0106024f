package board

import (
	"fmt"

	"board-api/domain"
)

// Filter returns the columns holding only the tasks matching f, in display
// order. Positions are left untouched.
func (c Columns) Filter(f domain.TaskFilter) Columns {
	out := empty()
	for _, s := range domain.Statuses() {
		for _, t := range c[s] {
			if f.Matches(t) {
				out[s] = append(out[s], t)
			}
		}
	}
	return out
}

// Project translates a move made on view, a filtered subset of full, into the
// equivalent move on full.
//
// The source is validated against view exactly as Apply would. The dropped
// card lands directly before the visible task it was dropped on, or directly
// after the last visible task when dropped past the end. A drop into a column
// with no visible tasks appends to the full column. Hidden tasks therefore
// keep their relative order and the whole column is renumbered by Apply.
func Project(full, view Columns, mv domain.Move) (domain.Move, error) {
	if mv.Destination == nil {
		return mv, nil
	}
	src := mv.Source.Status
	dst := mv.Destination.Status
	if !src.Valid() {
		return mv, fmt.Errorf("%w: source %q", ErrUnknownColumn, string(src))
	}
	if !dst.Valid() {
		return mv, fmt.Errorf("%w: destination %q", ErrUnknownColumn, string(dst))
	}

	visible := view[src]
	idx := mv.Source.Index
	if idx < 0 || idx >= len(visible) {
		return mv, fmt.Errorf("%w: source index %d out of range for %s (len %d)", ErrStaleMove, idx, src, len(visible))
	}
	moved := visible[idx]
	if mv.TaskID != "" && moved.ID != mv.TaskID {
		return mv, fmt.Errorf("%w: expected task %s at %s[%d], found %s", ErrStaleMove, mv.TaskID, src, idx, moved.ID)
	}
	fullIdx := indexOf(full[src], moved.ID)
	if fullIdx < 0 {
		return mv, fmt.Errorf("%w: task %s not on the board", ErrStaleMove, moved.ID)
	}

	shown := view[dst]
	target := full[dst]
	if src == dst {
		shown = remove(shown, idx)
		target = remove(target, fullIdx)
	}
	at := min(max(mv.Destination.Index, 0), len(shown))

	var fullAt int
	switch {
	case at < len(shown):
		fullAt = indexOf(target, shown[at].ID)
	case len(shown) > 0:
		if fullAt = indexOf(target, shown[len(shown)-1].ID); fullAt >= 0 {
			fullAt++
		}
	default:
		fullAt = len(target)
	}
	if fullAt < 0 {
		return mv, fmt.Errorf("%w: anchor for %s[%d] not on the board", ErrStaleMove, dst, at)
	}

	return domain.Move{
		TaskID:      moved.ID,
		Source:      domain.Location{Status: src, Index: fullIdx},
		Destination: &domain.Location{Status: dst, Index: fullAt},
	}, nil
}

func indexOf(col []domain.Task, id string) int {
	for i, t := range col {
		if t.ID == id {
			return i
		}
	}
	return -1
}
