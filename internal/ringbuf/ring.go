// Package ringbuf provides a bounded single-producer/single-consumer queue.
//
// The producer side (Put, Free) may run concurrently with the consumer side
// (Get, Len) without locks. Multiple producers or multiple consumers are not
// supported and must be serialized by the caller.
package ringbuf

import "sync/atomic"

// Ring is a fixed-capacity FIFO. The zero value is not usable; use New.
type Ring[T any] struct {
	buf  []T
	mask uint64
	// head is advanced by the consumer, tail by the producer. Both only grow;
	// the index into buf is taken modulo capacity.
	head atomic.Uint64
	tail atomic.Uint64
}

// New creates a ring holding at least size elements (rounded up to a power of two).
func New[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	n := 1
	for n < size {
		n <<= 1
	}
	return &Ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Put appends v. It returns false without modifying the ring when full.
func (r *Ring[T]) Put(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// Free returns the number of elements that can be put without failing.
// Only meaningful on the producer side: the value can only grow concurrently.
func (r *Ring[T]) Free() int {
	return len(r.buf) - int(r.tail.Load()-r.head.Load())
}

// Get removes the oldest element. ok is false when the ring is empty.
func (r *Ring[T]) Get() (v T, ok bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return v, false
	}
	v = r.buf[head&r.mask]
	var zero T
	r.buf[head&r.mask] = zero
	r.head.Store(head + 1)
	return v, true
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return int(r.tail.Load() - r.head.Load()) }
