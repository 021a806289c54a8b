package stage

import (
	"context"
	"fmt"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// handleFunc applies a stage capability to one item.
type handleFunc func(ctx context.Context, item *pipeline.Context) error

// runBatch dequeues an adaptive batch from upstream, applies handle to each
// item and returns the items that succeeded. Failed items are marked and
// reported individually.
func (b *base) runBatch(ctx context.Context, upstream *ContextQueue, handle handleFunc) ([]*pipeline.Context, error) {
	if b.governor.ShouldSkip(ctx) {
		return nil, nil
	}
	settings := b.governor.Settings()
	size := b.governor.BatchSize(ctx)
	items, err := upstream.DequeueBatch(ctx, size, settings.DequeueTimeout)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", upstream.Key(), err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	start := b.clock.Now()
	succeeded := make([]*pipeline.Context, 0, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			b.requeue(ctx, upstream, items[i:]...)
			items = items[:i]
			break
		}
		if b.dropTerminal(item) {
			continue
		}
		if err := handle(ctx, item); err != nil {
			if ctx.Err() != nil {
				b.requeue(ctx, upstream, items[i:]...)
				items = items[:i]
				break
			}
			b.fail(ctx, upstream.Key(), item, err)
			continue
		}
		succeeded = append(succeeded, item)
	}
	elapsed := b.clock.Now().Sub(start)
	b.recorder.RecordDequeue(upstream.Key(), len(items), elapsed)
	if len(items) > 0 {
		metrics.ObserveUnit(b.name, elapsed)
	}
	return succeeded, nil
}
