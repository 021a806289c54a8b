// Package memory provides an in-process list store for tests and local development.
package memory

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory store closed")

// Store keeps one FIFO slice per key behind a mutex.
type Store struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	closed bool
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{lists: make(map[string][][]byte)}
}

// Push appends payloads to the list at key.
func (s *Store) Push(ctx context.Context, key string, payloads ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, p := range payloads {
		s.lists[key] = append(s.lists[key], append([]byte(nil), p...))
	}
	return nil
}

// Pop removes up to n payloads from the head of the list at key.
func (s *Store) Pop(ctx context.Context, key string, n int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	list := s.lists[key]
	if n <= 0 || len(list) == 0 {
		return nil, nil
	}
	n = min(n, len(list))
	out := make([][]byte, n)
	copy(out, list[:n])
	rest := list[n:]
	if len(rest) == 0 {
		delete(s.lists, key)
	} else {
		s.lists[key] = append([][]byte(nil), rest...)
	}
	return out, nil
}

// Len reports the depth of the list at key.
func (s *Store) Len(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.lists[key])), nil
}

// Clear drops the list at key.
func (s *Store) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.lists, key)
	return nil
}

// Close releases the lists. Closing twice is safe.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.lists = nil
	return nil
}
