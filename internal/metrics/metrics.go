// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueDepth                 *prometheus.GaugeVec
	queueStatus                *prometheus.GaugeVec
	stageItemsTotal            *prometheus.CounterVec
	stageTickErrorsTotal       *prometheus.CounterVec
	stageSkippedTicks          *prometheus.CounterVec
	stageBatchSize             *prometheus.GaugeVec
	stageDelaySeconds          *prometheus.GaugeVec
	stageUnitSeconds           *prometheus.HistogramVec
	browserSessionsInUse       prometheus.Gauge
	browserSessionsIdle        prometheus.Gauge
	robotsFallbackTotal        prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Current number of items waiting in a queue.",
			},
			[]string{"queue"},
		)

		queueStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_status",
				Help: "Health level of a queue: 0 healthy, 1 warning, 2 critical, 3 overloaded.",
			},
			[]string{"queue"},
		)

		stageItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_items_total",
				Help: "Items handled by a stage, labeled by outcome.",
			},
			[]string{"stage", "outcome"},
		)

		stageTickErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_tick_errors_total",
				Help: "Loop iterations that failed before completing their unit of work.",
			},
			[]string{"stage"},
		)

		stageSkippedTicks = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_backpressure_skips_total",
				Help: "Loop iterations skipped because the downstream queue was saturated.",
			},
			[]string{"stage"},
		)

		stageBatchSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_stage_batch_size",
				Help: "Most recent adaptive batch size chosen by a stage.",
			},
			[]string{"stage"},
		)

		stageDelaySeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_stage_delay_seconds",
				Help: "Most recent adaptive delay chosen by a stage.",
			},
			[]string{"stage"},
		)

		stageUnitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_unit_duration_seconds",
				Help:    "Wall time spent processing one dequeued unit of work.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		browserSessionsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_browser_sessions_in_use",
				Help: "Browser contexts currently checked out of the pool.",
			},
		)

		browserSessionsIdle = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_browser_sessions_idle",
				Help: "Browser contexts waiting in the pool for reuse.",
			},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_robots_fallback_total",
				Help: "robots.txt probes that timed out and were treated as allow-all.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-domain rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveQueueDepth records the number of items waiting in a queue.
func ObserveQueueDepth(queue string, depth int64) {
	Init()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveQueueStatus records the health level of a queue.
func ObserveQueueStatus(queue string, level int) {
	Init()
	queueStatus.WithLabelValues(queue).Set(float64(level))
}

// ObserveItem increments the per-stage outcome counter.
func ObserveItem(stage, outcome string) {
	Init()
	stageItemsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveTickError counts a failed loop iteration.
func ObserveTickError(stage string) {
	Init()
	stageTickErrorsTotal.WithLabelValues(stage).Inc()
}

// ObserveBackpressureSkip counts an iteration skipped by backpressure.
func ObserveBackpressureSkip(stage string) {
	Init()
	stageSkippedTicks.WithLabelValues(stage).Inc()
}

// ObserveBatchSize records the adaptive batch size chosen for a tick.
func ObserveBatchSize(stage string, size int) {
	Init()
	stageBatchSize.WithLabelValues(stage).Set(float64(size))
}

// ObserveDelay records the adaptive delay chosen after a tick.
func ObserveDelay(stage string, delay time.Duration) {
	Init()
	stageDelaySeconds.WithLabelValues(stage).Set(delay.Seconds())
}

// ObserveUnit records how long one unit of work took.
func ObserveUnit(stage string, duration time.Duration) {
	Init()
	stageUnitSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveBrowserSessions records pool occupancy.
func ObserveBrowserSessions(inUse, idle int) {
	Init()
	browserSessionsInUse.Set(float64(inUse))
	browserSessionsIdle.Set(float64(idle))
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveRateLimitDelay records time spent waiting for a domain token.
func ObserveRateLimitDelay(domain string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
