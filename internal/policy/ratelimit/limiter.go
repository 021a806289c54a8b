// Package ratelimit throttles collection with one token bucket per destination host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Rule is a rate for one host.
type Rule struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds the default rate and per-host overrides.
type Config struct {
	DefaultRPS   float64         `mapstructure:"default_rps"`
	DefaultBurst int             `mapstructure:"default_burst"`
	Domains      map[string]Rule `mapstructure:"domains"`
}

// Limiter hands out tokens per host. A non-positive rate means unlimited.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	fallback Rule
	rules    map[string]Rule
}

var _ pipeline.Limiter = (*Limiter)(nil)

// New creates a Limiter.
func New(cfg Config) *Limiter {
	rules := make(map[string]Rule, len(cfg.Domains))
	for host, r := range cfg.Domains {
		rules[strings.ToLower(host)] = r
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		fallback: Rule{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		rules:    rules,
	}
}

// Wait blocks until a token for rawURL's host is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := hostOf(rawURL)
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[domain]; ok {
		return limiter
	}
	rule, ok := l.rules[domain]
	if !ok {
		rule = l.fallback
	}
	limit := rate.Limit(rule.RPS)
	if rule.RPS <= 0 {
		limit = rate.Inf
	}
	burst := rule.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)
	l.limiters[domain] = limiter
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
