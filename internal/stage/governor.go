package stage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
)

// Controller is the backpressure controller a Governor consults.
type Controller interface {
	ShouldApplyBackPressure(ctx context.Context, key string) (bool, error)
	CalculateAdaptiveBatchSize(ctx context.Context, key string, minSize, maxSize int) (int, error)
	CalculateAdaptiveDelay(ctx context.Context, key string, base time.Duration) (time.Duration, error)
}

// Settings are the tuning knobs of one stage.
type Settings struct {
	Workers        int           `mapstructure:"workers"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MinBatch       int           `mapstructure:"min_batch"`
	MaxBatch       int           `mapstructure:"max_batch"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
}

func (s Settings) withDefaults() Settings {
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MinBatch <= 0 {
		s.MinBatch = 1
	}
	if s.MaxBatch < s.MinBatch {
		s.MaxBatch = s.MinBatch
	}
	if s.DequeueTimeout <= 0 {
		s.DequeueTimeout = 2 * time.Second
	}
	return s
}

// Governor applies backpressure decisions against a stage's downstream queue.
// An empty downstream key disables throttling.
type Governor struct {
	stage      string
	downstream string
	controller Controller
	settings   Settings
	logger     *zap.Logger
}

// NewGovernor creates a Governor for stage.
func NewGovernor(stage, downstream string, controller Controller, settings Settings, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		stage:      stage,
		downstream: downstream,
		controller: controller,
		settings:   settings.withDefaults(),
		logger:     logger.Named("governor").With(zap.String("stage", stage), zap.String("queue", downstream)),
	}
}

// Settings returns the effective settings.
func (g *Governor) Settings() Settings {
	return g.settings
}

func (g *Governor) throttled() bool {
	return g.downstream != "" && g.controller != nil
}

// ShouldSkip reports whether the downstream queue is saturated. Controller
// errors never skip.
func (g *Governor) ShouldSkip(ctx context.Context) bool {
	if !g.throttled() {
		return false
	}
	skip, err := g.controller.ShouldApplyBackPressure(ctx, g.downstream)
	if err != nil {
		g.logger.Warn("backpressure check failed", zap.Error(err))
		return false
	}
	if skip {
		metrics.ObserveBackpressureSkip(g.stage)
		g.logger.Debug("downstream saturated, skipping tick")
	}
	return skip
}

// BatchSize returns the adaptive batch size, falling back to MinBatch when
// the controller fails.
func (g *Governor) BatchSize(ctx context.Context) int {
	size := g.settings.MaxBatch
	if g.throttled() {
		adaptive, err := g.controller.CalculateAdaptiveBatchSize(ctx, g.downstream, g.settings.MinBatch, g.settings.MaxBatch)
		if err != nil {
			g.logger.Warn("adaptive batch size failed", zap.Error(err))
			adaptive = g.settings.MinBatch
		}
		size = adaptive
	}
	metrics.ObserveBatchSize(g.stage, size)
	return size
}

// Delay returns the adaptive delay, falling back to BaseDelay when the
// controller fails.
func (g *Governor) Delay(ctx context.Context) time.Duration {
	delay := g.settings.BaseDelay
	if g.throttled() {
		adaptive, err := g.controller.CalculateAdaptiveDelay(ctx, g.downstream, g.settings.BaseDelay)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("adaptive delay failed", zap.Error(err))
			}
			adaptive = g.settings.BaseDelay
		}
		delay = adaptive
	}
	metrics.ObserveDelay(g.stage, delay)
	return delay
}
