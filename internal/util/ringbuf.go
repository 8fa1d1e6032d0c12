package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity (minimum 1).
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.pushLocked(item)
	r.mu.Unlock()
}

func (r *RingBuffer[T]) pushLocked(item T) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := r.snapshotLocked()
	r.mu.RUnlock()
	return out
}

func (r *RingBuffer[T]) snapshotLocked() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Replace swaps the contents for items, keeping only the newest cap(r) of them.
func (r *RingBuffer[T]) Replace(items []T) {
	r.mu.Lock()
	clear(r.buf)
	r.head, r.count = 0, 0
	for _, it := range items {
		r.pushLocked(it)
	}
	r.mu.Unlock()
}

// Update applies fn to a snapshot and stores the result under one lock,
// so concurrent Pushes are not lost between read and write.
func (r *RingBuffer[T]) Update(fn func([]T) []T) {
	r.mu.Lock()
	items := fn(r.snapshotLocked())
	clear(r.buf)
	r.head, r.count = 0, 0
	for _, it := range items {
		r.pushLocked(it)
	}
	r.mu.Unlock()
}

// Reset drops every element.
func (r *RingBuffer[T]) Reset() {
	r.mu.Lock()
	clear(r.buf)
	r.head, r.count = 0, 0
	r.mu.Unlock()
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}
