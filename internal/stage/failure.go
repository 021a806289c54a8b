package stage

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// LogFailures is the default failure handler. It only logs.
type LogFailures struct {
	logger *zap.Logger
}

// NewLogFailures creates a LogFailures handler.
func NewLogFailures(logger *zap.Logger) *LogFailures {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogFailures{logger: logger}
}

// OnFailure logs the failed item.
func (h *LogFailures) OnFailure(_ context.Context, stage string, item *pipeline.Context, err error) {
	h.logger.Warn("item failed",
		zap.String("stage", stage),
		zap.String("context_id", item.ID),
		zap.String("job_id", item.JobID),
		zap.String("sku", item.Sku),
		zap.String("url", item.Metadata.URL),
		zap.Error(err),
	)
}

// DeadLetter parks failed items on a queue so they can be inspected and retried.
type DeadLetter struct {
	queue  *ContextQueue
	next   pipeline.FailureHandler
	logger *zap.Logger
}

// NewDeadLetter creates a DeadLetter handler that also forwards to next when
// next is not nil.
func NewDeadLetter(q *ContextQueue, next pipeline.FailureHandler, logger *zap.Logger) *DeadLetter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetter{queue: q, next: next, logger: logger.Named("dead_letter")}
}

// OnFailure enqueues the failed item.
func (h *DeadLetter) OnFailure(ctx context.Context, stage string, item *pipeline.Context, err error) {
	if h.next != nil {
		h.next.OnFailure(ctx, stage, item, err)
	}
	item.SetTag("failed_stage", stage)
	if enqueueErr := h.queue.Enqueue(context.WithoutCancel(ctx), item); enqueueErr != nil {
		h.logger.Error("park failed item",
			zap.String("queue", h.queue.Key()),
			zap.String("context_id", item.ID),
			zap.Error(enqueueErr),
		)
	}
}
