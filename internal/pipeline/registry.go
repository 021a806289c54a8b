package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownSku is returned when no capability is registered for a sku.
var ErrUnknownSku = errors.New("unknown sku")

// Registry maps a sku to the capability that handles it.
type Registry[T any] struct {
	mu       sync.RWMutex
	entries  map[string]T
	fallback *T
}

// NewRegistry returns an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

// Register binds a capability to a sku, replacing any previous binding.
func (r *Registry[T]) Register(sku string, capability T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sku] = capability
}

// SetFallback installs the capability used for skus without an explicit binding.
func (r *Registry[T]) SetFallback(capability T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = &capability
}

// Lookup resolves the capability for sku.
func (r *Registry[T]) Lookup(sku string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if capability, ok := r.entries[sku]; ok {
		return capability, nil
	}
	if r.fallback != nil {
		return *r.fallback, nil
	}
	var zero T
	return zero, fmt.Errorf("%w: %q", ErrUnknownSku, sku)
}

// Skus lists the explicitly registered skus in sorted order.
func (r *Registry[T]) Skus() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for sku := range r.entries {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}
