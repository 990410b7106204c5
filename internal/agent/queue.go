package agent

import (
	"sync"
	"time"

	v1 "github.com/scripton/scripton/pkg/api/v1"
)

// eventQueue is the bounded per-agent event buffer. Producers never block:
// when the queue is full the oldest Log event is discarded to make room.
// Terminal events (task_start, task_complete, error, status_change) are
// never dropped; if no Log event can be evicted the queue grows past its
// bound rather than lose one.
type eventQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []v1.AgentEvent
	capacity int
	closed   bool
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &eventQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an event, applying the overflow policy when full.
func (q *eventQueue) Push(ev v1.AgentEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if len(q.items) >= q.capacity {
		dropped := false
		for i, existing := range q.items {
			if existing.Type == v1.EventLog {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && ev.Type == v1.EventLog {
			// Full of undroppable events; a new Log is the one to lose.
			return
		}
	}

	q.items = append(q.items, ev)
	q.cond.Signal()
}

// Pop removes and returns the oldest event, waiting up to timeout for one
// to arrive. The second return is false on timeout or after Close.
func (q *eventQueue) Pop(timeout time.Duration) (v1.AgentEvent, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return v1.AgentEvent{}, false
		}
		// Cond has no timed wait; wake ourselves at the deadline.
		timer := time.AfterFunc(remaining, func() {
			q.cond.Broadcast()
		})
		q.cond.Wait()
		timer.Stop()
	}

	if len(q.items) == 0 {
		return v1.AgentEvent{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// Len returns the number of buffered events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters; buffered events remain poppable until drained.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
