package session

import (
	"encoding/json"
	"time"
)

type queuedMessage struct {
	payload    json.RawMessage
	enqueuedAt time.Time
}

// queue is a bounded FIFO for messages composed while the connection is
// down. When full, the oldest entry is evicted: a late-arriving control
// message is worth more than a stale one. Not safe for concurrent use;
// the manager's mutex owns it.
type queue struct {
	capacity int
	items    []queuedMessage
	dropped  int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &queue{capacity: capacity}
}

func (q *queue) enqueue(payload json.RawMessage) {
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, queuedMessage{payload: payload, enqueuedAt: time.Now()})
}

func (q *queue) peek() (json.RawMessage, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0].payload, true
}

func (q *queue) pop() {
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) clear() {
	q.items = nil
	q.dropped = 0
}
