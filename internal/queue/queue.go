// Package queue provides typed FIFO queues over a shared list store.
// Stages never call each other directly; they push and pop through a Queue bound
// to a stable string key, so any process with access to the same Store can take part.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultPollInterval = 100 * time.Millisecond

// Store is a durable, key-addressed list supporting atomic push, pop and length.
type Store interface {
	// Push appends payloads to the tail of the list identified by key.
	Push(ctx context.Context, key string, payloads ...[]byte) error
	// Pop removes and returns up to n payloads from the head of the list in FIFO order.
	Pop(ctx context.Context, key string, n int) ([][]byte, error)
	// Len returns the number of payloads currently stored under key.
	Len(ctx context.Context, key string) (int64, error)
	// Clear removes every payload stored under key.
	Clear(ctx context.Context, key string) error
	// Close releases store resources.
	Close() error
}

// Config identifies one queue boundary and the element type it carries.
type Config[T any] struct {
	Key string
}

// NewConfig returns a Config for key.
func NewConfig[T any](key string) Config[T] {
	return Config[T]{Key: key}
}

// Client wraps a Store with JSON encoding and batch-dequeue polling.
type Client struct {
	store        Store
	pollInterval time.Duration
	logger       *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithPollInterval sets the sleep between empty batch-dequeue rounds.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient builds a Client over store.
func NewClient(store Store, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		store:        store,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Length returns the depth of the list stored under key.
func (c *Client) Length(ctx context.Context, key string) (int64, error) {
	n, err := c.store.Len(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("length %s: %w", key, err)
	}
	return n, nil
}

// Close closes the underlying store.
func (c *Client) Close() error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close queue store: %w", err)
	}
	return nil
}

// Queue is a typed handle for one queue boundary.
type Queue[T any] struct {
	client *Client
	cfg    Config[T]
}

// Open binds cfg to client.
func Open[T any](client *Client, cfg Config[T]) *Queue[T] {
	return &Queue[T]{client: client, cfg: cfg}
}

// Key returns the store key of the queue.
func (q *Queue[T]) Key() string {
	return q.cfg.Key
}

// Enqueue appends one item.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	return q.EnqueueBatch(ctx, []T{item})
}

// EnqueueBatch appends items in order with a single store round trip.
func (q *Queue[T]) EnqueueBatch(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	payloads := make([][]byte, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal %s item: %w", q.cfg.Key, err)
		}
		payloads = append(payloads, data)
	}
	if err := q.client.store.Push(ctx, q.cfg.Key, payloads...); err != nil {
		return fmt.Errorf("push %s: %w", q.cfg.Key, err)
	}
	return nil
}

// Dequeue pops a single item. ok is false when the queue was empty or the head
// payload could not be decoded.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool, error) {
	var zero T
	payloads, err := q.client.store.Pop(ctx, q.cfg.Key, 1)
	if err != nil {
		return zero, false, fmt.Errorf("pop %s: %w", q.cfg.Key, err)
	}
	items := q.decode(payloads)
	if len(items) == 0 {
		return zero, false, nil
	}
	return items[0], true, nil
}

// DequeueBatch pops up to maxCount items, waiting at most timeout for them to arrive.
// It returns as soon as maxCount items are collected, or as soon as a round finds the
// queue empty after something was already collected. It never blocks past the
// deadline or past cancellation of ctx.
func (q *Queue[T]) DequeueBatch(ctx context.Context, maxCount int, timeout time.Duration) ([]T, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	deadline := time.Now().Add(timeout)
	result := make([]T, 0, maxCount)
	for {
		if err := ctx.Err(); err != nil {
			if len(result) > 0 {
				return result, nil
			}
			return nil, fmt.Errorf("dequeue batch %s: %w", q.cfg.Key, err)
		}
		want := maxCount - len(result)
		payloads, err := q.client.store.Pop(ctx, q.cfg.Key, want)
		if err != nil {
			if len(result) > 0 {
				q.client.logger.Warn("pop failed after partial batch",
					zap.String("queue", q.cfg.Key),
					zap.Int("collected", len(result)),
					zap.Error(err),
				)
				return result, nil
			}
			return nil, fmt.Errorf("pop %s: %w", q.cfg.Key, err)
		}
		result = append(result, q.decode(payloads)...)
		if len(result) >= maxCount {
			return result, nil
		}
		if len(payloads) > 0 {
			continue
		}
		if len(result) > 0 {
			return result, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return result, nil
		}
		if !q.sleep(ctx, min(q.client.pollInterval, remaining)) {
			return result, nil
		}
	}
}

// Length returns the current depth of the queue.
func (q *Queue[T]) Length(ctx context.Context) (int64, error) {
	return q.client.Length(ctx, q.cfg.Key)
}

// Clear empties the queue.
func (q *Queue[T]) Clear(ctx context.Context) error {
	if err := q.client.store.Clear(ctx, q.cfg.Key); err != nil {
		return fmt.Errorf("clear %s: %w", q.cfg.Key, err)
	}
	return nil
}

func (q *Queue[T]) decode(payloads [][]byte) []T {
	items := make([]T, 0, len(payloads))
	for _, payload := range payloads {
		var item T
		if err := json.Unmarshal(payload, &item); err != nil {
			q.client.logger.Warn("dropping undecodable queue payload",
				zap.String("queue", q.cfg.Key),
				zap.Int("bytes", len(payload)),
				zap.Error(err),
			)
			continue
		}
		items = append(items, item)
	}
	return items
}

// sleep waits for d and reports false if ctx finished first.
func (q *Queue[T]) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
