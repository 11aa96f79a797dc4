// Package history provides the bounded buffers behind the engine's recent
// packet, threat and event views.
package history

import "sync"

// Ring is a fixed-capacity FIFO buffer. When full, Push evicts the oldest
// entry. It is safe for one writer and many concurrent readers.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	start int
	count int
	total uint64
}

// NewRing creates a ring holding at most capacity entries. A capacity below
// one is treated as one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry if the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot returns the retained entries in arrival order, oldest first.
func (r *Ring[T]) Snapshot() []T {
	return r.Last(-1)
}

// Last returns up to n of the most recent entries in arrival order. A
// negative n returns everything retained.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n < 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	skip := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Total returns the number of entries ever pushed, including evicted ones.
func (r *Ring[T]) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
