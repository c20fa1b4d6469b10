// Package queue provides a bounded, drop-on-full delivery queue drained by
// a single background worker.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// DeliverFunc hands one item to its destination.
type DeliverFunc[T any] func(ctx context.Context, item T) error

// Queue buffers items and delivers them in order on one goroutine. Offer
// never blocks; items offered while the buffer is full are dropped.
type Queue[T any] struct {
	items   chan T
	deliver DeliverFunc[T]
	onError func(error)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithErrorHandler is called for every failed delivery.
func WithErrorHandler[T any](fn func(error)) Option[T] {
	return func(q *Queue[T]) { q.onError = fn }
}

// New starts a queue with the given buffer size.
func New[T any](size int, deliver DeliverFunc[T], opts ...Option[T]) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	q := &Queue[T]{
		items:   make(chan T, size),
		deliver: deliver,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for item := range q.items {
		if err := q.safeDeliver(item); err != nil {
			q.failed.Add(1)
			if q.onError != nil {
				q.onError(err)
			}
			continue
		}
		q.delivered.Add(1)
	}
}

func (q *Queue[T]) safeDeliver(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return q.deliver(context.Background(), item)
}

// Offer enqueues item without blocking. It reports false when the item was
// dropped because the buffer is full or the queue is closed.
func (q *Queue[T]) Offer(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Close stops accepting items and waits for the buffer to drain or ctx to
// end, whichever comes first.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivery counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Delivered: q.delivered.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Stats are queue counters.
type Stats struct {
	Delivered int64
	Failed    int64
	Dropped   int64
}

// PanicError wraps a panic raised by a DeliverFunc.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "queue: deliver panicked"
}
