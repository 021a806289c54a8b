// Package stage runs the pipeline's worker loops and implements the
// collection, transformation and processing stages.
package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
)

// Loop is one unit of repeatable stage work.
type Loop interface {
	Name() string
	// Tick performs one iteration. Errors are logged by the runner and do not
	// stop the loop.
	Tick(ctx context.Context) error
	// Delay is how long to wait before the next iteration.
	Delay(ctx context.Context) time.Duration
}

// Plan pairs a loop with the number of parallel workers running it.
type Plan struct {
	Loop    Loop
	Workers int
}

// Runner supervises parallel instances of loops.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger.Named("runner")}
}

// Run starts n workers of loop and blocks until ctx is done and every worker
// has returned.
func (r *Runner) Run(ctx context.Context, loop Loop, n int) error {
	return r.RunAll(ctx, Plan{Loop: loop, Workers: n})
}

// RunAll starts every plan and blocks until ctx is done and every worker has
// returned.
func (r *Runner) RunAll(ctx context.Context, plans ...Plan) error {
	for _, plan := range plans {
		if plan.Loop == nil {
			return fmt.Errorf("stage loop is required")
		}
		if plan.Workers <= 0 {
			return fmt.Errorf("stage %s: workers must be positive, got %d", plan.Loop.Name(), plan.Workers)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, plan := range plans {
		r.logger.Info("starting stage",
			zap.String("stage", plan.Loop.Name()),
			zap.Int("workers", plan.Workers),
		)
		for i := 0; i < plan.Workers; i++ {
			loop, worker := plan.Loop, i
			g.Go(func() error {
				r.work(gctx, loop, worker)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run stages: %w", err)
	}
	return nil
}

func (r *Runner) work(ctx context.Context, loop Loop, worker int) {
	logger := r.logger.With(zap.String("stage", loop.Name()), zap.Int("worker", worker))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")
	for {
		if ctx.Err() != nil {
			return
		}
		r.tick(ctx, loop, logger)
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, loop.Delay(ctx)) {
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context, loop Loop, logger *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ObserveTickError(loop.Name())
			logger.Error("stage tick panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()
	if err := loop.Tick(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ObserveTickError(loop.Name())
		logger.Error("stage tick failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
