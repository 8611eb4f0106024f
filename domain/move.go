package domain

// Location addresses a slot in a column's display order.
type Location struct {
	Status Status `json:"status"`
	Index  int    `json:"index"`
}

// Move describes one completed drag gesture. Destination is nil when the card
// was dropped outside any column.
type Move struct {
	TaskID      string    `json:"taskId,omitempty"`
	Source      Location  `json:"source"`
	Destination *Location `json:"destination,omitempty"`
}

// SameColumn reports whether the move stays within its source column.
func (m Move) SameColumn() bool {
	return m.Destination != nil && m.Destination.Status == m.Source.Status
}
