package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// RetryConfig bounds the retries of a single collection.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retrying re-runs a collector on transient failures with jittered
// exponential backoff. Only the final error reaches the stage.
type Retrying struct {
	next pipeline.Collector
	cfg  RetryConfig
}

// NewRetrying wraps next. MaxAttempts below 2 disables retries.
func NewRetrying(next pipeline.Collector, cfg RetryConfig) pipeline.Collector {
	if cfg.MaxAttempts < 2 {
		return next
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Retrying{next: next, cfg: cfg}
}

var _ pipeline.Collector = (*Retrying)(nil)

// Collect implements pipeline.Collector.
func (r *Retrying) Collect(ctx context.Context, page pipeline.Page, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		body, err := r.next.Collect(ctx, page, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if attempt+1 == r.cfg.MaxAttempts || !retryable(err) {
			break
		}
		timer := time.NewTimer(r.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, colly.ErrRobotsTxtBlocked), errors.Is(err, ErrEmptyDocument):
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError || statusErr.Code == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// backoff returns half the capped exponential delay plus up to another half of jitter.
func (r *Retrying) backoff(attempt int) time.Duration {
	delay := r.cfg.BaseDelay << attempt
	if delay > r.cfg.MaxDelay || delay <= 0 {
		delay = r.cfg.MaxDelay
	}
	half := delay / 2
	return half + rand.N(half+1)
}
