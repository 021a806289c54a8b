// Package uuid generates context ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Generator creates time-ordered UUIDv7 strings, so ids sort by creation.
type Generator struct{}

var _ pipeline.IDGenerator = Generator{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
