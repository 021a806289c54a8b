// Package health tracks per-queue throughput counters and classifies queue depth.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Status is the health level of a queue, ordered from best to worst.
type Status int

const (
	// Healthy means the queue is below its warning threshold.
	Healthy Status = iota
	// Warning means the queue has reached its warning threshold.
	Warning
	// Critical means the queue has reached its critical threshold.
	Critical
	// Overloaded means the queue holds at least one and a half times its critical threshold.
	Overloaded
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Overloaded:
		return "overloaded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classify maps a depth onto the status ladder.
// Overloaded uses the integer form of depth >= 1.5*critical.
func Classify(depth, warning, critical int64) Status {
	switch {
	case depth*2 >= critical*3:
		return Overloaded
	case depth >= critical:
		return Critical
	case depth >= warning:
		return Warning
	default:
		return Healthy
	}
}

// DepthReader reports how many items wait in a queue.
type DepthReader interface {
	Length(ctx context.Context, key string) (int64, error)
}

// Metrics are the throughput counters kept for one queue.
type Metrics struct {
	EnqueueCount        int64         `json:"enqueue_count"`
	DequeueCount        int64         `json:"dequeue_count"`
	ProcessedCount      int64         `json:"processed_count"`
	ErrorCount          int64         `json:"error_count"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	LastEnqueue         time.Time     `json:"last_enqueue,omitempty"`
	LastDequeue         time.Time     `json:"last_dequeue,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
}

// Health combines live depth with derived throughput figures.
type Health struct {
	Queue                 string        `json:"queue"`
	Depth                 int64         `json:"depth"`
	ProcessingRate        float64       `json:"processing_rate"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	Metrics               Metrics       `json:"metrics"`
}

type entry struct {
	metrics  Metrics
	lastSeen time.Time
}

// Monitor records queue activity and answers health questions about queues.
type Monitor struct {
	depths    DepthReader
	clock     pipeline.Clock
	retention time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewMonitor constructs a Monitor. A non-positive retention keeps entries forever.
func NewMonitor(depths DepthReader, clock pipeline.Clock, retention time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		depths:    depths,
		clock:     clock,
		retention: retention,
		logger:    logger.Named("health"),
		entries:   make(map[string]*entry),
	}
}

// RecordEnqueue adds count to the enqueue counter of key.
func (m *Monitor) RecordEnqueue(key string, count int) {
	if count <= 0 {
		return
	}
	m.update(key, func(e *Metrics, now time.Time) {
		e.EnqueueCount += int64(count)
		e.LastEnqueue = now
	})
}

// RecordDequeue adds count to the dequeue counter of key. A positive
// processingTime also counts the items as processed.
func (m *Monitor) RecordDequeue(key string, count int, processingTime time.Duration) {
	if count <= 0 {
		return
	}
	m.update(key, func(e *Metrics, now time.Time) {
		e.DequeueCount += int64(count)
		e.LastDequeue = now
		if processingTime > 0 {
			e.ProcessedCount += int64(count)
			e.TotalProcessingTime += processingTime
		}
	})
}

// RecordError increments the error counter of key.
func (m *Monitor) RecordError(key string) {
	m.update(key, func(e *Metrics, _ time.Time) {
		e.ErrorCount++
	})
}

func (m *Monitor) update(key string, apply func(*Metrics, time.Time)) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.current(key, now)
	apply(&e.metrics, now)
	e.lastSeen = now
}

// current returns the live entry for key, resetting it when it has expired.
// Callers must hold m.mu.
func (m *Monitor) current(key string, now time.Time) *entry {
	e, ok := m.entries[key]
	if ok && m.retention > 0 && now.Sub(e.lastSeen) > m.retention {
		m.logger.Debug("resetting expired queue metrics", zap.String("queue", key))
		ok = false
	}
	if !ok {
		e = &entry{metrics: Metrics{StartedAt: now}, lastSeen: now}
		m.entries[key] = e
	}
	return e
}

// Snapshot returns a copy of the counters for key.
func (m *Monitor) Snapshot(key string) Metrics {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || (m.retention > 0 && now.Sub(e.lastSeen) > m.retention) {
		return Metrics{StartedAt: now}
	}
	return e.metrics
}

// Depth reads the current depth of key from the store.
func (m *Monitor) Depth(ctx context.Context, key string) (int64, error) {
	depth, err := m.depths.Length(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read depth of %s: %w", key, err)
	}
	metrics.ObserveQueueDepth(key, depth)
	return depth, nil
}

// GetQueueHealth reports the depth and derived throughput of key.
func (m *Monitor) GetQueueHealth(ctx context.Context, key string) (Health, error) {
	depth, err := m.Depth(ctx, key)
	if err != nil {
		return Health{}, err
	}
	snap := m.Snapshot(key)
	h := Health{Queue: key, Depth: depth, Metrics: snap}
	if elapsed := m.clock.Now().Sub(snap.StartedAt).Seconds(); elapsed > 0 {
		h.ProcessingRate = float64(snap.ProcessedCount) / elapsed
	}
	if snap.ProcessedCount > 0 {
		h.AverageProcessingTime = snap.TotalProcessingTime / time.Duration(snap.ProcessedCount)
	}
	return h, nil
}

// GetQueueStatus classifies the live depth of key against the given thresholds.
func (m *Monitor) GetQueueStatus(ctx context.Context, key string, warning, critical int64) (Status, error) {
	depth, err := m.Depth(ctx, key)
	if err != nil {
		return Healthy, err
	}
	status := Classify(depth, warning, critical)
	metrics.ObserveQueueStatus(key, int(status))
	return status, nil
}

// IsQueueHealthy reports whether the live depth of key is below threshold.
func (m *Monitor) IsQueueHealthy(ctx context.Context, key string, threshold int64) (bool, error) {
	depth, err := m.Depth(ctx, key)
	if err != nil {
		return false, err
	}
	return depth < threshold, nil
}
