package pipeline

import (
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO linking two stages. Push never blocks: when the
// queue is full the incoming item is discarded and the overflow counter
// increments, trading completeness for freshness of the live feed. Pop
// blocks up to a short timeout so a worker can re-check shutdown between
// waits instead of parking indefinitely.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewQueue creates a queue with the given fixed capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues item without blocking. It reports false when the queue was
// full and the item was dropped.
func (q *Queue[T]) Push(item T) bool {
	select {
	case q.ch <- item:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop dequeues the oldest item, waiting up to timeout for one to arrive.
// ok is false when the wait expired with the queue still empty.
func (q *Queue[T]) Pop(timeout time.Duration) (item T, ok bool) {
	select {
	case item = <-q.ch:
		return item, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Dropped returns how many pushes were discarded against a full queue.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
