package comm

import (
	"sync"

	"github.com/stustanet/mammutfs/mammut"
)

const (
	// queueLimit is the hard cap on undelivered events.
	queueLimit = 10000
	// queueResume re-arms the overflow warning once the queue has
	// drained below it.
	queueResume = 1000
)

// Queue is a bounded FIFO of wire-ready lines waiting for the
// communicator. A wakeup channel lets the worker select on socket
// traffic and queue activity together.
type Queue struct {
	mu       sync.Mutex
	items    []string
	dropping bool // past the cap, warning already logged
	wake     chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends line, dropping it when the queue is full. Overflow logs
// a single warning until the queue drains below queueResume.
func (q *Queue) Push(line string) {
	q.mu.Lock()
	if len(q.items) >= queueLimit {
		if !q.dropping {
			q.dropping = true
			q.mu.Unlock()
			mammut.Warnf("comm", "event queue full, dropping events")
			return
		}
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, line)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes the oldest line. ok is false on an empty queue.
func (q *Queue) Pop() (line string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	line = q.items[0]
	q.items = q.items[1:]
	if q.dropping && len(q.items) < queueResume {
		q.dropping = false
	}
	return line, true
}

// pushFront returns an already-popped line to the head of the queue,
// so a send interrupted by a disconnect is retried first after the
// next hello.
func (q *Queue) pushFront(line string) {
	q.mu.Lock()
	q.items = append([]string{line}, q.items...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of undelivered lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake is the readiness channel; it carries a token whenever Push has
// added a line.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}
