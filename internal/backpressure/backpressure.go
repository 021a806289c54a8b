// Package backpressure derives batch sizes, delays and skip decisions from queue depth.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-pipeline/internal/health"
)

// ErrMissingThresholds is returned when a referenced queue has no thresholds.
var ErrMissingThresholds = errors.New("missing queue thresholds")

// Thresholds are the depth levels configured for one queue.
type Thresholds struct {
	Normal   int64 `mapstructure:"normal" json:"normal"`
	Warning  int64 `mapstructure:"warning" json:"warning"`
	Critical int64 `mapstructure:"critical" json:"critical"`
}

// Validate checks the threshold ordering.
func (t Thresholds) Validate() error {
	if t.Normal < 0 || t.Warning < 0 || t.Critical < 0 {
		return errors.New("thresholds must not be negative")
	}
	if t.Warning >= t.Critical {
		return fmt.Errorf("warning (%d) must be below critical (%d)", t.Warning, t.Critical)
	}
	return nil
}

// Checker reads live queue depth and classifies it.
type Checker interface {
	Depth(ctx context.Context, key string) (int64, error)
	GetQueueStatus(ctx context.Context, key string, warning, critical int64) (health.Status, error)
}

// Manager is a stateless controller keyed by queue.
type Manager struct {
	checker    Checker
	thresholds map[string]Thresholds
}

// New validates thresholds and builds a Manager. Every key in required must
// have an entry.
func New(checker Checker, thresholds map[string]Thresholds, required ...string) (*Manager, error) {
	if checker == nil {
		return nil, errors.New("backpressure checker is required")
	}
	for _, key := range required {
		if _, ok := thresholds[key]; !ok {
			return nil, fmt.Errorf("queue %q: %w", key, ErrMissingThresholds)
		}
	}
	copied := make(map[string]Thresholds, len(thresholds))
	for key, t := range thresholds {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("queue %q: %w", key, err)
		}
		copied[key] = t
	}
	return &Manager{checker: checker, thresholds: copied}, nil
}

// Thresholds returns the configured thresholds for key.
func (m *Manager) Thresholds(key string) (Thresholds, error) {
	t, ok := m.thresholds[key]
	if !ok {
		return Thresholds{}, fmt.Errorf("queue %q: %w", key, ErrMissingThresholds)
	}
	return t, nil
}

// Status classifies the live depth of key.
func (m *Manager) Status(ctx context.Context, key string) (health.Status, error) {
	t, err := m.Thresholds(key)
	if err != nil {
		return health.Healthy, err
	}
	status, err := m.checker.GetQueueStatus(ctx, key, t.Warning, t.Critical)
	if err != nil {
		return health.Healthy, fmt.Errorf("classify queue %s: %w", key, err)
	}
	return status, nil
}

// CalculateAdaptiveBatchSize shrinks the batch as the queue degrades. The
// result always lies within [minSize, maxSize].
func (m *Manager) CalculateAdaptiveBatchSize(ctx context.Context, key string, minSize, maxSize int) (int, error) {
	if minSize > maxSize {
		minSize, maxSize = maxSize, minSize
	}
	status, err := m.Status(ctx, key)
	if err != nil {
		return minSize, err
	}
	var size int
	switch status {
	case health.Healthy:
		size = maxSize
	case health.Warning:
		size = max(maxSize/2, minSize)
	case health.Critical:
		size = max(maxSize/4, minSize)
	default:
		size = minSize
	}
	return min(max(size, minSize), maxSize), nil
}

// CalculateAdaptiveDelay stretches base by 1, 2, 4 or 8 depending on status.
func (m *Manager) CalculateAdaptiveDelay(ctx context.Context, key string, base time.Duration) (time.Duration, error) {
	status, err := m.Status(ctx, key)
	if err != nil {
		return base, err
	}
	return base * time.Duration(Multiplier(status)), nil
}

// ShouldApplyBackPressure reports whether key has reached its Normal threshold.
func (m *Manager) ShouldApplyBackPressure(ctx context.Context, key string) (bool, error) {
	t, err := m.Thresholds(key)
	if err != nil {
		return false, err
	}
	depth, err := m.checker.Depth(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check backpressure on %s: %w", key, err)
	}
	return depth >= t.Normal, nil
}

// Multiplier returns the delay factor applied at status.
func Multiplier(status health.Status) int {
	switch status {
	case health.Healthy:
		return 1
	case health.Warning:
		return 2
	case health.Critical:
		return 4
	default:
		return 8
	}
}
