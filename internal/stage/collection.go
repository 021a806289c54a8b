package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/browser"
	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// BrowserPool hands out browser sessions for collection.
type BrowserPool interface {
	Acquire(ctx context.Context) (*browser.Lease, error)
	Release(ctx context.Context, lease *browser.Lease) error
}

// Archive stores raw collected payloads.
type Archive struct {
	Store       pipeline.BlobStore
	Prefix      string
	ContentType string
}

// CollectionDeps wires the collection stage.
type CollectionDeps struct {
	Common
	// Upstream queues are read in order; the first non-empty one wins.
	Upstream   []*ContextQueue
	Downstream *ContextQueue
	Pool       BrowserPool
	Collectors *pipeline.Registry[pipeline.Collector]
	Limiter    pipeline.Limiter
	Archive    *Archive
	// Hasher, when set, tags each collected context with a digest of its payload.
	Hasher pipeline.Hasher
}

// CollectionStage fetches raw payloads one item at a time.
type CollectionStage struct {
	base
	deps CollectionDeps
}

// NewCollection validates deps and builds the collection stage.
func NewCollection(deps CollectionDeps) (*CollectionStage, error) {
	b, err := newBase(Collection, deps.Common)
	if err != nil {
		return nil, err
	}
	switch {
	case len(deps.Upstream) == 0:
		return nil, errors.New("collection stage: upstream queue is required")
	case deps.Downstream == nil:
		return nil, errors.New("collection stage: downstream queue is required")
	case deps.Pool == nil:
		return nil, errors.New("collection stage: browser pool is required")
	case deps.Collectors == nil:
		return nil, errors.New("collection stage: collector registry is required")
	}
	if deps.Archive != nil && deps.Archive.ContentType == "" {
		deps.Archive.ContentType = "text/html; charset=utf-8"
	}
	return &CollectionStage{base: b, deps: deps}, nil
}

// Tick collects at most one item.
func (s *CollectionStage) Tick(ctx context.Context) error {
	if s.governor.ShouldSkip(ctx) {
		return nil
	}
	item, source, err := s.next(ctx)
	if err != nil || item == nil {
		return err
	}
	if s.dropTerminal(item) {
		s.recorder.RecordDequeue(source.Key(), 1, 0)
		return nil
	}

	start := s.clock.Now()
	logger := s.logger.With(s.itemFields(item)...)
	if err := s.collect(ctx, item); err != nil {
		if ctx.Err() != nil {
			s.requeue(ctx, source, item)
			return nil
		}
		var acquireErr *acquireError
		if errors.As(err, &acquireErr) {
			s.requeue(ctx, source, item)
			return err
		}
		s.recorder.RecordDequeue(source.Key(), 1, s.clock.Now().Sub(start))
		s.fail(ctx, source.Key(), item, err)
		return nil
	}
	elapsed := s.clock.Now().Sub(start)
	s.recorder.RecordDequeue(source.Key(), 1, elapsed)
	metrics.ObserveUnit(s.name, elapsed)

	if err := s.deps.Downstream.Enqueue(context.WithoutCancel(ctx), item); err != nil {
		return fmt.Errorf("forward %s to %s: %w", item.ID, s.deps.Downstream.Key(), err)
	}
	s.recorder.RecordEnqueue(s.deps.Downstream.Key(), 1)
	metrics.ObserveItem(s.name, "succeeded")
	logger.Debug("item collected", zap.Int("bytes", len(item.RawData)))
	return nil
}

// next pops one item from the first upstream queue that has one.
func (s *CollectionStage) next(ctx context.Context) (*pipeline.Context, *ContextQueue, error) {
	for _, q := range s.deps.Upstream {
		item, ok, err := q.Dequeue(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("dequeue %s: %w", q.Key(), err)
		}
		if ok {
			return item, q, nil
		}
	}
	return nil, nil, nil
}

type acquireError struct {
	err error
}

func (e *acquireError) Error() string {
	return "acquire browser context: " + e.err.Error()
}

func (e *acquireError) Unwrap() error {
	return e.err
}

func (s *CollectionStage) collect(ctx context.Context, item *pipeline.Context) (err error) {
	ctx, span := tracer.Start(ctx, "collection.collect", trace.WithAttributes(
		attribute.String("pipeline.context_id", item.ID),
		attribute.String("pipeline.sku", item.Sku),
	))
	defer func() { endSpan(span, err) }()

	collector, err := s.deps.Collectors.Lookup(item.Sku)
	if err != nil {
		return err
	}
	url := item.Metadata.URL
	if strings.TrimSpace(url) == "" {
		return errors.New("context has no url")
	}
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Wait(ctx, url); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	lease, err := s.deps.Pool.Acquire(ctx)
	if err != nil {
		return &acquireError{err: err}
	}
	raw, collectErr := collector.Collect(ctx, lease, url)
	if releaseErr := s.deps.Pool.Release(context.WithoutCancel(ctx), lease); releaseErr != nil {
		s.logger.Warn("release browser context", zap.Error(releaseErr))
	}
	if collectErr != nil {
		return fmt.Errorf("collect %s: %w", url, collectErr)
	}
	if len(raw) == 0 {
		return errors.New("collector returned an empty payload")
	}

	var digest string
	if s.deps.Hasher != nil {
		if digest, err = s.deps.Hasher.Hash(raw); err != nil {
			return fmt.Errorf("hash raw payload: %w", err)
		}
	}
	uri, err := s.archive(ctx, item, raw)
	if err != nil {
		return err
	}

	// The item is only touched once nothing else can fail, so a requeued
	// item goes back exactly as it was dequeued.
	if err := item.SetRawData(raw); err != nil {
		return err
	}
	if digest != "" {
		item.SetTag("content_sha256", digest)
	}
	if uri != "" {
		item.SetTag("raw_uri", uri)
	}
	item.MarkCollected(s.clock.Now())
	return item.Advance(pipeline.StateCollected)
}

func (s *CollectionStage) archive(ctx context.Context, item *pipeline.Context, raw []byte) (string, error) {
	a := s.deps.Archive
	if a == nil || a.Store == nil {
		return "", nil
	}
	objectPath := path.Join(strings.Trim(a.Prefix, "/"), item.Sku, item.ID+".html")
	uri, err := a.Store.PutObject(ctx, objectPath, a.ContentType, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("archive raw payload: %w", err)
	}
	return uri, nil
}
