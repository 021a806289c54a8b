// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Clock reads time.Now in UTC.
type Clock struct{}

var _ pipeline.Clock = Clock{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
