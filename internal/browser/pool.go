// Package browser manages a bounded pool of headless browser instances and
// the isolated browser contexts checked out of them.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/metrics"
)

var (
	// ErrNotInitialized is returned by Acquire before Initialize succeeded.
	ErrNotInitialized = errors.New("browser pool not initialized")
	// ErrClosed is returned once the pool has been closed.
	ErrClosed = errors.New("browser pool closed")
	// ErrReleased is returned when a lease is used after Release.
	ErrReleased = errors.New("browser lease released")
)

// Strategy decides what happens to a session when it is released.
type Strategy string

const (
	// StrategyReuse returns released sessions to the idle bag.
	StrategyReuse Strategy = "reuse"
	// StrategyDispose closes released sessions.
	StrategyDispose Strategy = "dispose"
)

// ParseStrategy parses a strategy name case-insensitively.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyReuse, "":
		return StrategyReuse, nil
	case StrategyDispose:
		return StrategyDispose, nil
	default:
		return "", fmt.Errorf("unknown browser strategy %q", raw)
	}
}

// Config controls pool sizing and browser launch options.
type Config struct {
	Instances          int
	ContextConcurrency int
	Strategy           Strategy
	Headless           bool
	UserAgent          string
	ExecPath           string
	NavigationTimeout  time.Duration
	Flags              map[string]any
}

// Session is one isolated browser context.
type Session interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	Valid() bool
	Close() error
}

// Instance is one running browser process.
type Instance interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

type slot struct {
	instance Instance
	permits  chan struct{}
	idle     []Session
}

func (s *slot) free() int {
	return cap(s.permits) - len(s.permits)
}

func (s *slot) release() {
	select {
	case <-s.permits:
	default:
	}
}

// Lease is a session checked out of the pool. It satisfies pipeline.Page.
type Lease struct {
	session Session
	owner   *slot
}

// Run executes actions inside the leased browser context.
func (l *Lease) Run(ctx context.Context, actions ...chromedp.Action) error {
	if l.session == nil {
		return ErrReleased
	}
	return l.session.Run(ctx, actions...)
}

// Stats describes pool occupancy.
type Stats struct {
	Instances int `json:"instances"`
	Capacity  int `json:"capacity"`
	InUse     int `json:"in_use"`
	Idle      int `json:"idle"`
}

// Pool bounds browser usage on two levels: the number of instances and the
// number of concurrent sessions per instance.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger

	mu          sync.Mutex
	slots       []*slot
	initialized bool
	closed      bool
	inUse       int
}

// NewPool creates an uninitialized pool.
func NewPool(cfg Config, launcher Launcher, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("browser launcher is required")
	}
	if cfg.Instances <= 0 {
		cfg.Instances = 1
	}
	if cfg.ContextConcurrency <= 0 {
		cfg.ContextConcurrency = 1
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyReuse
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg, launcher: launcher, logger: logger.Named("browser_pool")}, nil
}

// Initialize launches the configured browser instances. Concurrent and
// repeated calls launch them once.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.initialized {
		return nil
	}

	slots := make([]*slot, 0, p.cfg.Instances)
	for i := 0; i < p.cfg.Instances; i++ {
		instance, err := p.launcher.Launch(ctx)
		if err != nil {
			for _, s := range slots {
				if closeErr := s.instance.Close(); closeErr != nil {
					p.logger.Warn("close browser after failed launch", zap.Error(closeErr))
				}
			}
			return fmt.Errorf("launch browser %d: %w", i, err)
		}
		slots = append(slots, &slot{
			instance: instance,
			permits:  make(chan struct{}, p.cfg.ContextConcurrency),
		})
	}
	p.slots = slots
	p.initialized = true
	p.logger.Info("browser pool ready",
		zap.Int("instances", p.cfg.Instances),
		zap.Int("context_concurrency", p.cfg.ContextConcurrency),
		zap.String("strategy", string(p.cfg.Strategy)),
	)
	return nil
}

// Acquire checks out a session from the instance with the most free permits,
// waiting for a permit when all are taken.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	target, err := p.pick()
	if err != nil {
		return nil, err
	}

	select {
	case target.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("browser context wait canceled: %w", ctx.Err())
	}

	session, err := p.checkout(ctx, target)
	if err != nil {
		target.release()
		return nil, err
	}
	p.observe()
	return &Lease{session: session, owner: target}, nil
}

func (p *Pool) pick() (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if !p.initialized || len(p.slots) == 0 {
		return nil, ErrNotInitialized
	}
	best := p.slots[0]
	for _, s := range p.slots[1:] {
		if s.free() > best.free() {
			best = s
		}
	}
	return best, nil
}

// checkout reuses a valid idle session or creates a new one. The caller holds
// a permit on s.
func (p *Pool) checkout(ctx context.Context, s *slot) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	var stale []Session
	var session Session
	for len(s.idle) > 0 {
		candidate := s.idle[len(s.idle)-1]
		s.idle = s.idle[:len(s.idle)-1]
		if candidate.Valid() {
			session = candidate
			break
		}
		stale = append(stale, candidate)
	}
	if session != nil {
		p.inUse++
	}
	p.mu.Unlock()

	for _, old := range stale {
		p.closeSession(old)
	}
	if session != nil {
		return session, nil
	}

	created, err := s.instance.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	return created, nil
}

// Release returns a lease to the pool according to the configured strategy.
// The permit is always released.
func (p *Pool) Release(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	p.mu.Lock()
	session := lease.session
	if session == nil {
		p.mu.Unlock()
		return nil
	}
	// A lease gives back its permit exactly once.
	lease.session = nil
	var owner *slot
	for _, s := range p.slots {
		if s == lease.owner {
			owner = s
			break
		}
	}
	if owner == nil {
		if lease.owner != nil && p.inUse > 0 {
			p.inUse--
		}
		p.mu.Unlock()
		if lease.owner != nil {
			lease.owner.release()
		}
		p.logger.Debug("releasing session with unknown owner")
		return p.closeSession(session)
	}

	p.inUse--
	keep := p.cfg.Strategy == StrategyReuse && !p.closed && session.Valid()
	if keep {
		owner.idle = append(owner.idle, session)
	}
	p.mu.Unlock()
	owner.release()
	p.observe()

	if keep {
		return nil
	}
	return p.closeSession(session)
}

func (p *Pool) closeSession(s Session) error {
	if err := s.Close(); err != nil {
		p.logger.Warn("close browser context", zap.Error(err))
		return fmt.Errorf("close browser context: %w", err)
	}
	return nil
}

// Close drains idle sessions and shuts down every browser instance.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range slots {
		for _, session := range s.idle {
			if err := session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close idle context: %w", err))
			}
		}
		s.idle = nil
		if err := s.instance.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	p.observe()
	return errors.Join(errs...)
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Instances: len(p.slots), InUse: p.inUse}
	for _, s := range p.slots {
		st.Capacity += cap(s.permits)
		st.Idle += len(s.idle)
	}
	return st
}

func (p *Pool) observe() {
	st := p.Stats()
	metrics.ObserveBrowserSessions(st.InUse, st.Idle)
}
