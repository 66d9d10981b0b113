package core

import (
	"sync"

	"grid-trading-bybit/internal/model"
)

// eventQueue is an unbounded FIFO of order updates with a single consumer.
// push never blocks so the stream reader is never held up by the engine.
type eventQueue struct {
	mu     sync.Mutex
	items  []model.OrderUpdate
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(u model.OrderUpdate) {
	q.mu.Lock()
	q.items = append(q.items, u)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (model.OrderUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.OrderUpdate{}, false
	}
	u := q.items[0]
	q.items[0] = model.OrderUpdate{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return u, true
}

// wait is readable after a push that happened since the last receive.
func (q *eventQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
