package stage

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Completion is the event published for every completed context.
type Completion struct {
	ContextID   string         `json:"context_id"`
	JobID       string         `json:"job_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Sku         string         `json:"sku"`
	URL         string         `json:"url"`
	Created     []string       `json:"created"`
	Updated     []string       `json:"updated"`
	Failed      []string       `json:"failed,omitempty"`
	State       pipeline.State `json:"state"`
}

// ProcessingDeps wires the processing stage.
type ProcessingDeps struct {
	Common
	Upstream   *ContextQueue
	Processors *pipeline.Registry[pipeline.EntityProcessor]
	// Publisher receives one Completion per completed context. Optional.
	Publisher pipeline.Publisher
	Topic     string
}

// ProcessingStage upserts entities and announces completed contexts.
type ProcessingStage struct {
	base
	deps ProcessingDeps
}

// NewProcessing validates deps and builds the processing stage.
func NewProcessing(deps ProcessingDeps) (*ProcessingStage, error) {
	b, err := newBase(Processing, deps.Common)
	if err != nil {
		return nil, err
	}
	switch {
	case deps.Upstream == nil:
		return nil, errors.New("processing stage: upstream queue is required")
	case deps.Processors == nil:
		return nil, errors.New("processing stage: processor registry is required")
	case deps.Publisher != nil && deps.Topic == "":
		return nil, errors.New("processing stage: topic is required with a publisher")
	}
	return &ProcessingStage{base: b, deps: deps}, nil
}

// Tick processes one adaptive batch.
func (s *ProcessingStage) Tick(ctx context.Context) error {
	results := make(map[string]pipeline.UpsertResult)
	succeeded, err := s.runBatch(ctx, s.deps.Upstream, func(ctx context.Context, item *pipeline.Context) error {
		result, err := s.process(ctx, item)
		if err != nil {
			return err
		}
		results[item.ID] = result
		return nil
	})
	if err != nil || len(succeeded) == 0 {
		return err
	}
	for _, item := range succeeded {
		metrics.ObserveItem(s.name, "succeeded")
		s.forward(ctx, item, results[item.ID])
	}
	return nil
}

func (s *ProcessingStage) process(ctx context.Context, item *pipeline.Context) (pipeline.UpsertResult, error) {
	processor, err := s.deps.Processors.Lookup(item.Sku)
	if err != nil {
		return pipeline.UpsertResult{}, err
	}
	result, err := processor.Upsert(ctx, item.Entities)
	if err != nil {
		return pipeline.UpsertResult{}, fmt.Errorf("upsert entities: %w", err)
	}
	if len(result.Failed) > 0 {
		metrics.ObserveItem(s.name, "partial")
		s.logger.Warn("some entities failed to upsert",
			append(s.itemFields(item), zap.Strings("failed", result.Failed))...)
	}
	if err := item.Advance(pipeline.StateCompleted); err != nil {
		return pipeline.UpsertResult{}, err
	}
	return result, nil
}

func (s *ProcessingStage) forward(ctx context.Context, item *pipeline.Context, result pipeline.UpsertResult) {
	if s.deps.Publisher == nil {
		return
	}
	event := Completion{
		ContextID:   item.ID,
		JobID:       item.JobID,
		ExecutionID: item.ExecutionID,
		Sku:         item.Sku,
		URL:         item.Metadata.URL,
		Created:     result.Created,
		Updated:     result.Updated,
		Failed:      result.Failed,
		State:       item.State,
	}
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "processing.publish", trace.WithAttributes(
		attribute.String("pipeline.context_id", item.ID),
		attribute.String("pipeline.topic", s.deps.Topic),
	))
	_, err := s.deps.Publisher.Publish(ctx, s.deps.Topic, event)
	endSpan(span, err)
	if err != nil {
		metrics.ObserveItem(s.name, "publish_failed")
		s.logger.Error("publish completion", append(s.itemFields(item), zap.Error(err))...)
		return
	}
	metrics.ObserveItem(s.name, "published")
}
