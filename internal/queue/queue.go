// Package queue is the bounded in-process hand-off between dispatchers and
// workers.
package queue

import (
	"context"
	"sync"

	"github.com/felipemaragno/callbacks/internal/domain"
)

const DefaultCapacity = 1024

// Queue is a multi-producer, multi-consumer FIFO backed by a buffered
// channel. Enqueue blocks only while the buffer is full.
type Queue struct {
	items     chan *domain.CallbackRequest
	done      chan struct{}
	closeOnce sync.Once
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items: make(chan *domain.CallbackRequest, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue hands req to the workers, waiting for room while ctx allows.
func (q *Queue) Enqueue(ctx context.Context, req *domain.CallbackRequest) error {
	select {
	case <-q.done:
		return domain.ErrQueueClosed
	default:
	}

	select {
	case q.items <- req:
		return nil
	case <-q.done:
		return domain.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a request is available, ctx ends, or the queue is
// closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*domain.CallbackRequest, error) {
	select {
	case req := <-q.items:
		return req, nil
	default:
	}

	select {
	case req := <-q.items:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		select {
		case req := <-q.items:
			return req, nil
		default:
			return nil, domain.ErrQueueClosed
		}
	}
}

// Close stops accepting requests. Buffered requests can still be dequeued.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Cap() int {
	return cap(q.items)
}
