// Package pipeline defines the unit of work and the capability interfaces shared by
// every stage of the ingestion pipeline.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// State represents the lifecycle position of a Context.
type State string

// Context states. Pending, Collected, Transformed and Completed advance in that order;
// Failed is terminal and reachable from any non-terminal state.
const (
	StatePending     State = "pending"
	StateCollected   State = "collected"
	StateTransformed State = "transformed"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

var (
	// ErrInvalidTransition is returned when a state change would move backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadySet is returned when an immutable payload is written twice.
	ErrAlreadySet = errors.New("value already set")
)

func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateCollected:
		return 1
	case StateTransformed:
		return 2
	case StateCompleted:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Metadata carries collection details and free-form tags.
type Metadata struct {
	URL         string            `json:"url"`
	CollectedAt *time.Time        `json:"collected_at,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Context is the unit of work flowing through collection, transformation and processing.
// Job and execution are referenced by id only.
type Context struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Sku         string    `json:"sku"`
	State       State     `json:"state"`
	RawData     []byte    `json:"raw_data,omitempty"`
	Entities    []Entity  `json:"entities,omitempty"`
	Metadata    Metadata  `json:"metadata"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewContext builds a pending Context for the given job, sku and URL.
func NewContext(idGen IDGenerator, clock Clock, jobID, sku, url string, tags map[string]string) (*Context, error) {
	id, err := idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate context id: %w", err)
	}
	now := clock.Now()
	var copied map[string]string
	if len(tags) > 0 {
		copied = make(map[string]string, len(tags))
		for k, v := range tags {
			copied[k] = v
		}
	}
	return &Context{
		ID:        id,
		JobID:     jobID,
		Sku:       sku,
		State:     StatePending,
		Metadata:  Metadata{URL: url, Tags: copied},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Terminal reports whether the context has completed or failed.
func (c *Context) Terminal() bool {
	return c.State.Terminal()
}

// Advance moves the context forward to the given state.
func (c *Context) Advance(to State) error {
	if c.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, c.State)
	}
	if to == StateFailed {
		c.State = StateFailed
		c.touch()
		return nil
	}
	if to.rank() <= c.State.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	c.touch()
	return nil
}

// Fail marks the context failed and records the cause. Failing an already failed
// context only replaces the message.
func (c *Context) Fail(err error) {
	c.State = StateFailed
	if err != nil {
		c.Error = err.Error()
	}
	c.touch()
}

// SetRawData stores the collected payload. It may only be set once.
func (c *Context) SetRawData(raw []byte) error {
	if c.RawData != nil {
		return fmt.Errorf("raw data: %w", ErrAlreadySet)
	}
	c.RawData = append([]byte{}, raw...)
	return nil
}

// SetEntities stores the transformed records. It may only be set once.
func (c *Context) SetEntities(entities []Entity) error {
	if c.Entities != nil {
		return fmt.Errorf("entities: %w", ErrAlreadySet)
	}
	c.Entities = append([]Entity{}, entities...)
	return nil
}

// MarkCollected records the collection timestamp.
func (c *Context) MarkCollected(at time.Time) {
	c.Metadata.CollectedAt = &at
}

// SetTag writes a metadata tag.
func (c *Context) SetTag(key, value string) {
	if c.Metadata.Tags == nil {
		c.Metadata.Tags = make(map[string]string)
	}
	c.Metadata.Tags[key] = value
}

func (c *Context) touch() {
	c.UpdatedAt = time.Now().UTC()
}
