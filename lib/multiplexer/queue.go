package multiplexer

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO of request packets.
// Pushing never blocks, so the read loop keeps delivering responses
// while every server worker is busy.
type queue struct {
	mu     sync.Mutex
	items  []Packet
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) push(p Packet) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	q.notify()
	return true
}

func (q *queue) pop(ctx context.Context) (Packet, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			// pass the wake-up on to the next blocked worker
			q.notify()
			return nil, ErrShutdown
		}
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return p, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close drops queued packets and releases every blocked pop.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.notify()
}
