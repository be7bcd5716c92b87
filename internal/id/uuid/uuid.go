// Package uuid generates sortable identifiers for tasks, monitors and results.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally prefixed with the entity kind
// (e.g. "task_0190...") so ids are self-describing in logs.
type Generator struct {
	prefix string
}

// New creates a Generator. An empty prefix yields bare UUIDs.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a prefixed UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
