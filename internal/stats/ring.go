// Package stats provides bounded buffers and rolling statistics used across
// the runtime: fixed-size rings for context windows and history, and rolling
// numeric windows for latency tracking.
package stats

// Ring is a fixed-capacity ring buffer with O(1) Add. No reallocation happens
// after construction.
type Ring[T any] struct {
	buf   []T
	head  int // next write position
	count int
}

// NewRing creates a ring buffer with the given capacity. Capacity < 1 is
// treated as 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Add appends v, overwriting the oldest element when full.
func (r *Ring[T]) Add(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Recent returns the last min(k, Len) elements in insertion order.
func (r *Ring[T]) Recent(k int) []T {
	if k > r.count {
		k = r.count
	}
	if k <= 0 {
		return []T{}
	}
	out := make([]T, k)
	start := r.head - k
	for i := 0; i < k; i++ {
		idx := (start + i + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}

// All returns every stored element in insertion order.
func (r *Ring[T]) All() []T {
	return r.Recent(r.count)
}

// Clear drops all elements. Capacity is retained.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}
