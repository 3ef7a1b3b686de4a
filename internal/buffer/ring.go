// Package buffer provides the fixed-capacity sample ring behind every
// telemetry stream.
package buffer

import (
	"fmt"
	"sync"
)

// Ring is a fixed-capacity FIFO ring. When full, a push evicts the oldest
// element. One writer and any number of readers may use it concurrently;
// readers only ever see copies.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest element
	size  int
}

// NewRing builds a ring holding at most capacity elements.
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	return &Ring[T]{items: make([]T, capacity)}, nil
}

// Push appends v, evicting the oldest element when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.size) % len(r.items)
	r.items[tail] = v
	if r.size == len(r.items) {
		r.head = (r.head + 1) % len(r.items)
	} else {
		r.size++
	}
}

// Snapshot returns a copy of the contents in arrival order, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Latest returns the newest element, or false when the ring is empty.
func (r *Ring[T]) Latest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// Len returns the number of elements currently held.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
