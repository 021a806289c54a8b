package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// TransformationDeps wires the transformation stage.
type TransformationDeps struct {
	Common
	Upstream     *ContextQueue
	Downstream   *ContextQueue
	Transformers *pipeline.Registry[pipeline.Transformer]
}

// TransformationStage turns raw payloads into typed entities in batches.
type TransformationStage struct {
	base
	deps TransformationDeps
}

// NewTransformation validates deps and builds the transformation stage.
func NewTransformation(deps TransformationDeps) (*TransformationStage, error) {
	b, err := newBase(Transformation, deps.Common)
	if err != nil {
		return nil, err
	}
	switch {
	case deps.Upstream == nil:
		return nil, errors.New("transformation stage: upstream queue is required")
	case deps.Downstream == nil:
		return nil, errors.New("transformation stage: downstream queue is required")
	case deps.Transformers == nil:
		return nil, errors.New("transformation stage: transformer registry is required")
	}
	return &TransformationStage{base: b, deps: deps}, nil
}

// Tick transforms one adaptive batch.
func (s *TransformationStage) Tick(ctx context.Context) error {
	succeeded, err := s.runBatch(ctx, s.deps.Upstream, s.transform)
	if err != nil || len(succeeded) == 0 {
		return err
	}
	if err := s.deps.Downstream.EnqueueBatch(context.WithoutCancel(ctx), succeeded); err != nil {
		return fmt.Errorf("forward %d items to %s: %w", len(succeeded), s.deps.Downstream.Key(), err)
	}
	s.recorder.RecordEnqueue(s.deps.Downstream.Key(), len(succeeded))
	for range succeeded {
		metrics.ObserveItem(s.name, "succeeded")
	}
	s.logger.Debug("batch transformed", zap.Int("forwarded", len(succeeded)))
	return nil
}

func (s *TransformationStage) transform(ctx context.Context, item *pipeline.Context) error {
	transformer, err := s.deps.Transformers.Lookup(item.Sku)
	if err != nil {
		return err
	}
	if len(item.RawData) == 0 {
		return errors.New("context has no raw data")
	}
	entities, err := transformer.Transform(ctx, item.RawData)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	if err := item.SetEntities(entities); err != nil {
		return err
	}
	return item.Advance(pipeline.StateTransformed)
}
