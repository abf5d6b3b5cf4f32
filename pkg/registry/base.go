// Package registry holds the resolved accessor plans of an active
// environment and answers which of them apply to a class.
package registry

import (
	"maps"
	"sync"
)

// Base is a synchronized map whose bulk reads return copies.
type Base[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func NewBase[K comparable, V any]() *Base[K, V] {
	return &Base[K, V]{data: make(map[K]V)}
}

// Add stores value under key unless the key is taken. It reports whether
// the value was stored.
func (r *Base[K, V]) Add(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[key]; ok {
		return false
	}
	r.data[key] = value
	return true
}

// Update replaces the value under key with fn applied to the current one.
func (r *Base[K, V]) Update(key K, fn func(V) V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = fn(r.data[key])
}

func (r *Base[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.data[key]
	return v, ok
}

// All returns a copy of the registry.
func (r *Base[K, V]) All() map[K]V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[K]V, len(r.data))
	maps.Copy(out, r.data)
	return out
}

func (r *Base[K, V]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
