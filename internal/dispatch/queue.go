package dispatch

import "context"

// Queue is a bounded FIFO of packet buffers. Pushing a buffer hands it over:
// the pusher must not touch it again, and the popper becomes its only owner.
type Queue struct {
	ch chan []byte
}

// NewQueue returns a queue holding at most depth buffers.
func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{ch: make(chan []byte, depth)}
}

// Push appends b, blocking while the queue is full. It returns ctx.Err()
// if ctx is done first, in which case b was not enqueued.
func (q *Queue) Push(ctx context.Context, b []byte) error {
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the oldest buffer, blocking while the queue is empty.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	select {
	case b := <-q.ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryPop removes the oldest buffer if there is one.
func (q *Queue) TryPop() ([]byte, bool) {
	select {
	case b := <-q.ch:
		return b, true
	default:
		return nil, false
	}
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue depth.
func (q *Queue) Cap() int { return cap(q.ch) }
