package bus

import (
	"container/heap"
	"sync"
)

// queue orders entries by priority (highest first) and then by send order.
type queue []*entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].msg.Priority != q[j].msg.Priority {
		return q[i].msg.Priority > q[j].msg.Priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// inbox is one recipient's queue plus every message addressed to it that has
// not been garbage-collected yet.
type inbox struct {
	mu      sync.Mutex
	id      string
	pending queue
	tracked map[string]*entry
	closed  bool
	notify  chan struct{}
}

func newInbox(id string) *inbox {
	return &inbox{
		id:      id,
		tracked: make(map[string]*entry),
		notify:  make(chan struct{}, 1),
	}
}

// push must be called with in.mu held.
func (in *inbox) push(e *entry) {
	heap.Push(&in.pending, e)
	in.tracked[e.msg.ID] = e
	in.signal()
}

// pop returns the next entry that is still pending, discarding entries that
// failed while queued. Must be called with in.mu held.
func (in *inbox) pop() *entry {
	for in.pending.Len() > 0 {
		e := heap.Pop(&in.pending).(*entry)
		e.mu.Lock()
		live := e.msg.Status == StatusPending
		e.mu.Unlock()
		if live {
			return e
		}
	}
	return nil
}

// signal must be called with in.mu held on an open inbox.
func (in *inbox) signal() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}
