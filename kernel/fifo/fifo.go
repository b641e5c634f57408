// Package fifo provides fixed-capacity ring buffers for data crossing the
// interrupt/thread boundary: no allocation after construction, no blocking.
package fifo

import (
	"fmt"
	"sync/atomic"
)

// Masker runs a function with interrupts masked.
type Masker interface {
	WithoutInterrupts(f func())
}

// Queue is a fixed-capacity FIFO ring. Indices are unsigned counters masked
// by capacity-1, so the capacity must be a power of two; one slot is kept
// open to distinguish full from empty, leaving capacity-1 usable slots.
//
// Element publication is ordered by the atomic index stores, so a reader in
// interrupt context never observes a slot before it is fully written. A bare
// Queue is still single-producer/single-consumer; use Interlocked to share
// one between thread and interrupt context.
type Queue[T any] struct {
	slots []T
	head  atomic.Uint64
	tail  atomic.Uint64
}

// New creates a queue. A capacity that is not a power of two is a build-time
// sizing mistake and panics.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("fifo: capacity must be a power of two, got %d", capacity))
	}
	return &Queue[T]{slots: make([]T, capacity)}
}

func (q *Queue[T]) mask() uint64 { return uint64(len(q.slots)) - 1 }

// Capacity returns the number of usable slots.
func (q *Queue[T]) Capacity() int { return len(q.slots) - 1 }

// IsEmpty reports whether the queue holds no elements.
func (q *Queue[T]) IsEmpty() bool {
	return q.head.Load() == q.tail.Load()
}

// Enqueue appends v, reporting false when the queue is full. The caller
// keeps ownership of a rejected element.
func (q *Queue[T]) Enqueue(v T) bool {
	tail := q.tail.Load()
	next := (tail + 1) & q.mask()
	if next == q.head.Load() {
		return false
	}
	q.slots[tail] = v
	q.tail.Store(next)
	return true
}

// Dequeue removes the oldest element.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}
	v := q.slots[head]
	q.slots[head] = zero
	q.head.Store((head + 1) & q.mask())
	return v, true
}

// Interlocked wraps Queue so it can be shared between thread context and
// interrupt handlers without further locking: every operation runs inside an
// interrupt-masked critical section.
type Interlocked[T any] struct {
	cpu Masker
	q   *Queue[T]
}

// NewInterlocked creates an interlocked queue. Capacity rules are those of New.
func NewInterlocked[T any](capacity int, cpu Masker) *Interlocked[T] {
	return &Interlocked[T]{cpu: cpu, q: New[T](capacity)}
}

// Capacity returns the number of usable slots.
func (q *Interlocked[T]) Capacity() int { return q.q.Capacity() }

// IsEmpty reports whether the queue holds no elements.
func (q *Interlocked[T]) IsEmpty() bool { return q.q.IsEmpty() }

// Enqueue appends v under interrupt masking, reporting false when full.
func (q *Interlocked[T]) Enqueue(v T) (ok bool) {
	q.cpu.WithoutInterrupts(func() { ok = q.q.Enqueue(v) })
	return
}

// Dequeue removes the oldest element under interrupt masking.
func (q *Interlocked[T]) Dequeue() (v T, ok bool) {
	q.cpu.WithoutInterrupts(func() { v, ok = q.q.Dequeue() })
	return
}
