// Package uuid provides request ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Reuse returns candidate in canonical form when it is a valid UUID and a
// fresh ID otherwise.
func (g Generator) Reuse(candidate string) (string, error) {
	if candidate != "" {
		if id, err := uuid.Parse(candidate); err == nil {
			return id.String(), nil
		}
	}
	return g.NewID()
}
