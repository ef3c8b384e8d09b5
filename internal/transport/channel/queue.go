// Package channel provides the bounded in-process queue between the trigger
// timers and the delivery workers.
package channel

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

type Queue[T any] struct {
	mu     sync.RWMutex
	closed bool
	ch     chan T
}

func NewQueue[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Emit blocks until the item is queued, ctx ends or the queue is closed.
func (q *Queue[T]) Emit(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) Channel() <-chan T {
	return q.ch
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Close stops intake. Items already queued stay readable from Channel. Close
// waits for blocked Emit calls to return, so callers must keep consuming or
// cancel their contexts.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
