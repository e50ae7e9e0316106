// Package uuid generates record identities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements spider.IDGenerator with time-ordered UUIDv7 values,
// so identities of records saved later sort later.
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
