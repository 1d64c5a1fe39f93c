// Package buffer provides a bounded ring used for the dashboard message log.
package buffer

import (
	"sync"
)

// Ring is a thread-safe circular buffer that keeps the most recent items up
// to a fixed capacity. When the ring is full the oldest item is discarded to
// make room for the new one.
type Ring[T any] struct {
	items    []T
	start    int
	size     int
	capacity int
	evicted  uint64
	mu       sync.RWMutex
}

// NewRing creates a Ring with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest one when the ring is full.
// It reports whether an item was evicted.
func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < r.capacity {
		r.items[(r.start+r.size)%r.capacity] = item
		r.size++
		return false
	}

	r.items[r.start] = item
	r.start = (r.start + 1) % r.capacity
	r.evicted++
	return true
}

// Items returns a copy of the buffered items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}

	result := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		result[i] = r.items[(r.start+i)%r.capacity]
	}
	return result
}

// Last returns up to n of the newest items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	items := r.Items()
	if n <= 0 || n >= len(items) {
		return items
	}
	return items[len(items)-n:]
}

// Clear removes all items from the ring.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.start = 0
	r.size = 0
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.size
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Evicted returns how many items have been discarded since creation.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.evicted
}
