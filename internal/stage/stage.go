package stage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
	"github.com/JakeFAU/listing-pipeline/internal/queue"
)

// Stage names used in logs and metrics.
const (
	Collection     = "collection"
	Transformation = "transformation"
	Processing     = "processing"
)

var tracer = otel.Tracer("github.com/JakeFAU/listing-pipeline/internal/stage")

// ContextQueue is a queue of pipeline contexts.
type ContextQueue = queue.Queue[*pipeline.Context]

// Recorder receives queue activity for health bookkeeping.
type Recorder interface {
	RecordEnqueue(key string, count int)
	RecordDequeue(key string, count int, processingTime time.Duration)
	RecordError(key string)
}

// Common holds the dependencies shared by every stage.
type Common struct {
	Governor *Governor
	Recorder Recorder
	Failures pipeline.FailureHandler
	Clock    pipeline.Clock
	Logger   *zap.Logger
}

type base struct {
	name     string
	governor *Governor
	recorder Recorder
	failures pipeline.FailureHandler
	clock    pipeline.Clock
	logger   *zap.Logger
}

func newBase(name string, c Common) (base, error) {
	if c.Governor == nil {
		return base{}, fmt.Errorf("%s stage: governor is required", name)
	}
	if c.Clock == nil {
		return base{}, fmt.Errorf("%s stage: clock is required", name)
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(name)
	recorder := c.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	failures := c.Failures
	if failures == nil {
		failures = NewLogFailures(logger)
	}
	return base{
		name:     name,
		governor: c.Governor,
		recorder: recorder,
		failures: failures,
		clock:    c.Clock,
		logger:   logger,
	}, nil
}

// Name returns the stage name.
func (b *base) Name() string {
	return b.name
}

// Delay returns the adaptive delay against the downstream queue.
func (b *base) Delay(ctx context.Context) time.Duration {
	return b.governor.Delay(ctx)
}

func (b *base) itemFields(item *pipeline.Context) []zap.Field {
	return []zap.Field{
		zap.String("context_id", item.ID),
		zap.String("sku", item.Sku),
		zap.String("url", item.Metadata.URL),
	}
}

// fail marks item failed, records the error against the upstream queue and
// notifies the failure handler.
func (b *base) fail(ctx context.Context, upstream string, item *pipeline.Context, err error) {
	item.Fail(err)
	b.recorder.RecordError(upstream)
	metrics.ObserveItem(b.name, "failed")
	b.failures.OnFailure(ctx, b.name, item, err)
}

// dropTerminal reports whether item already reached a terminal state and must
// not be reprocessed.
func (b *base) dropTerminal(item *pipeline.Context) bool {
	if item == nil {
		b.logger.Warn("dropping empty queue item")
		return true
	}
	if !item.Terminal() {
		return false
	}
	metrics.ObserveItem(b.name, "dropped")
	b.logger.Warn("dropping item already in terminal state",
		append(b.itemFields(item), zap.String("state", string(item.State)))...)
	return true
}

// requeue pushes items back onto their source queue after a shutdown
// interrupted them.
func (b *base) requeue(ctx context.Context, q *ContextQueue, items ...*pipeline.Context) {
	if len(items) == 0 {
		return
	}
	if err := q.EnqueueBatch(context.WithoutCancel(ctx), items); err != nil {
		b.logger.Error("requeue interrupted items", zap.String("queue", q.Key()), zap.Int("count", len(items)), zap.Error(err))
		return
	}
	b.logger.Info("requeued interrupted items", zap.String("queue", q.Key()), zap.Int("count", len(items)))
}

type noopRecorder struct{}

func (noopRecorder) RecordEnqueue(string, int)                {}
func (noopRecorder) RecordDequeue(string, int, time.Duration) {}
func (noopRecorder) RecordError(string)                       {}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
