package blobstore

import (
	"context"
	"sync"
)

// InvalidationRegistry holds a generation counter per (scope, key) shared by
// every cache over the same target. The scope is the target identity
// (see IdentityOf).
//
// A cache entry remembers the generation it was populated under. When the
// registry reports a different generation, the entry is stale: the key was
// deleted or rewritten through another cache.
type InvalidationRegistry interface {
	// Generation returns the current generation of key. Unknown keys are
	// generation zero.
	Generation(ctx context.Context, scope, key string) (uint64, error)
	// Invalidate increments the generation of key and returns the new one.
	Invalidate(ctx context.Context, scope, key string) (uint64, error)
}

type scopedKey struct {
	scope string
	key   string
}

// MemoryInvalidationRegistry is an InvalidationRegistry for caches within
// one process.
type MemoryInvalidationRegistry struct {
	mu   sync.RWMutex
	gens map[scopedKey]uint64
}

// NewMemoryInvalidationRegistry returns an empty registry.
func NewMemoryInvalidationRegistry() *MemoryInvalidationRegistry {
	return &MemoryInvalidationRegistry{gens: make(map[scopedKey]uint64)}
}

func (r *MemoryInvalidationRegistry) Generation(_ context.Context, scope, key string) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gens[scopedKey{scope, key}], nil
}

func (r *MemoryInvalidationRegistry) Invalidate(_ context.Context, scope, key string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := scopedKey{scope, key}
	r.gens[k]++
	return r.gens[k], nil
}

var defaultInvalidation = NewMemoryInvalidationRegistry()

// DefaultInvalidationRegistry returns the process-wide registry used by
// caches configured without one.
func DefaultInvalidationRegistry() InvalidationRegistry { return defaultInvalidation }
