package stage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// ErrInvalidSeed is returned for seed requests that cannot become a context.
var ErrInvalidSeed = errors.New("invalid seed request")

// SeedRequest describes one URL to collect.
type SeedRequest struct {
	JobID       string            `json:"job_id"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Sku         string            `json:"sku"`
	URL         string            `json:"url"`
	Tags        map[string]string `json:"tags,omitempty"`
	// Dynamic routes the context to the priority collection queue.
	Dynamic bool `json:"dynamic,omitempty"`
}

// HostFilter refuses hosts that must never be collected.
type HostFilter interface {
	Blocked(host string) bool
}

// SeederOption customizes a Seeder.
type SeederOption func(*Seeder)

// WithHostFilter rejects seeds whose host f blocks.
func WithHostFilter(f HostFilter) SeederOption {
	return func(s *Seeder) { s.filter = f }
}

// Seeder creates pending contexts and places them on a collection queue.
type Seeder struct {
	regular  *ContextQueue
	dynamic  *ContextQueue
	ids      pipeline.IDGenerator
	clock    pipeline.Clock
	recorder Recorder
	filter   HostFilter
}

// NewSeeder builds a Seeder. dynamic may be nil, in which case dynamic
// requests go to the regular queue.
func NewSeeder(regular, dynamic *ContextQueue, ids pipeline.IDGenerator, clock pipeline.Clock, recorder Recorder, opts ...SeederOption) (*Seeder, error) {
	if regular == nil {
		return nil, fmt.Errorf("seeder: collection queue is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("seeder: id generator and clock are required")
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	s := &Seeder{regular: regular, dynamic: dynamic, ids: ids, clock: clock, recorder: recorder}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Seed validates req, builds a pending context and enqueues it.
func (s *Seeder) Seed(ctx context.Context, req SeedRequest) (*pipeline.Context, error) {
	u, err := req.validate()
	if err != nil {
		return nil, err
	}
	if s.filter != nil && s.filter.Blocked(u.Hostname()) {
		return nil, fmt.Errorf("%w: host %s is blocklisted", ErrInvalidSeed, u.Hostname())
	}
	item, err := pipeline.NewContext(s.ids, s.clock, req.JobID, req.Sku, req.URL, req.Tags)
	if err != nil {
		return nil, err
	}
	item.ExecutionID = req.ExecutionID

	target := s.regular
	if req.Dynamic && s.dynamic != nil {
		target = s.dynamic
	}
	if err := target.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("seed %s: %w", target.Key(), err)
	}
	s.recorder.RecordEnqueue(target.Key(), 1)
	return item, nil
}

func (r SeedRequest) validate() (*url.URL, error) {
	if strings.TrimSpace(r.JobID) == "" {
		return nil, fmt.Errorf("%w: job_id is required", ErrInvalidSeed)
	}
	if strings.TrimSpace(r.Sku) == "" {
		return nil, fmt.Errorf("%w: sku is required", ErrInvalidSeed)
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidSeed)
	}
	return u, nil
}
