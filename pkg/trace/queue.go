package trace

import (
	"context"
	"sync"
)

// Queue is one subscriber's unbounded FIFO of serialized event payloads.
// A nil payload is the terminal sentinel pushed by Finish.
//
// The unbounded policy is deliberate: emission rates are bounded by LLM token
// throughput, and subscribers are network sinks that either keep up or
// detach. The trade-off is memory growth behind a stalled subscriber until
// its bridge detaches it.
type Queue struct {
	mu       sync.Mutex
	items    [][]byte
	wake     chan struct{}
	detached bool
}

func newQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// push appends a payload. No-op once the queue is detached.
func (q *Queue) push(payload []byte) {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, payload)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// markDetached stops future pushes from landing. Pending items stay readable.
func (q *Queue) markDetached() {
	q.mu.Lock()
	q.detached = true
	q.mu.Unlock()
}

// Next blocks until a payload is available or ctx is done.
// Returns (nil, nil) for the terminal sentinel.
func (q *Queue) Next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			payload := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return payload, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of pending payloads (sentinel included).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
