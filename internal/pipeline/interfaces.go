package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/chromedp/chromedp"
)

// Entity is a typed record produced by a Transformer and persisted by an EntityProcessor.
type Entity struct {
	Kind       string         `json:"kind"`
	Slug       string         `json:"slug"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// UpsertResult partitions a batch of entities by outcome, keyed by slug.
type UpsertResult struct {
	Created []string
	Updated []string
	Failed  []string
}

// Page is a checked-out browser session a Collector can drive.
type Page interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
}

// Collector fetches the raw payload for a URL.
type Collector interface {
	Collect(ctx context.Context, page Page, url string) ([]byte, error)
}

// Transformer maps a raw payload to typed entity records.
type Transformer interface {
	Transform(ctx context.Context, raw []byte) ([]Entity, error)
}

// EntityProcessor upserts entity records into durable storage.
type EntityProcessor interface {
	Upsert(ctx context.Context, entities []Entity) (UpsertResult, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests for raw payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Limiter throttles requests per destination.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// FailureHandler observes contexts that reached the failed state.
type FailureHandler interface {
	OnFailure(ctx context.Context, stage string, item *Context, err error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces context IDs.
type IDGenerator interface {
	NewID() (string, error)
}
