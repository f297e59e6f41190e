package event

import "sync"

// Queue carries events from the reader goroutine to the dispatcher. It is
// FIFO for one producer and one consumer; Push never blocks and Drain takes
// everything queued so far.
type Queue struct {
	mu     sync.Mutex
	events []Event
	pushed uint64
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push appends ev.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.pushed++
	q.mu.Unlock()
}

// Drain removes and returns all queued events in push order, or nil.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// Len reports the current backlog.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Pushed reports how many events were ever pushed.
func (q *Queue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// Reset drops any backlog.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}
