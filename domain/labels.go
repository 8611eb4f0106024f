package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Labels maps each status to its column heading.
type Labels map[Status]string

// DefaultLabels returns the built-in column headings.
func DefaultLabels() Labels {
	return Labels{
		StatusBacklog:    "Backlog",
		StatusTodo:       "Todo",
		StatusInProgress: "In Progress",
		StatusInReview:   "In Review",
		StatusDone:       "Done",
	}
}

// Label returns the heading for s, falling back to the raw status value.
func (l Labels) Label(s Status) string {
	if v, ok := l[s]; ok && v != "" {
		return v
	}
	return string(s)
}

type labelsFile struct {
	Columns map[string]string `yaml:"columns"`
}

// LoadLabels reads column headings from a YAML file of the form
//
//	columns:
//	  BACKLOG: Backlog
//	  IN_PROGRESS: Doing
//
// Statuses missing from the file keep their default heading. An empty path
// returns the defaults.
func LoadLabels(path string) (Labels, error) {
	labels := DefaultLabels()
	if path == "" {
		return labels, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f labelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for raw, label := range f.Columns {
		s, err := ParseStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		labels[s] = label
	}
	return labels, nil
}
