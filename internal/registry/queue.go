package registry

import (
	"context"
	"sync"

	"brokerstore/internal/domain"
)

// Queue is an unbounded FIFO of domain messages. A nil message is the
// end-of-stream sentinel. Put never blocks; Get blocks until a message is
// available or ctx is done.
type Queue struct {
	mu    sync.Mutex
	items []domain.Message
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Put appends msg to the queue.
func (q *Queue) Put(msg domain.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

// Get removes and returns the oldest message, waiting if the queue is empty.
func (q *Queue) Get(ctx context.Context) (domain.Message, error) {
	for {
		if msg, ok := q.TryGet(); ok {
			return msg, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryGet removes and returns the oldest message without waiting. ok is false
// when the queue is empty.
func (q *Queue) TryGet() (domain.Message, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()
	if more {
		q.signal()
	}
	return msg, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
