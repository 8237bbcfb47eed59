package coordinator

import "sort"

type queued struct {
	task *Task
	seq  uint64
}

// taskQueue holds Queued tasks. It is guarded by the coordinator's lock.
type taskQueue struct {
	pending []queued
	seq     uint64
}

func (q *taskQueue) Enqueue(t *Task) {
	q.seq++
	q.pending = append(q.pending, queued{task: t, seq: q.seq})
}

func (q *taskQueue) Remove(id string) bool {
	for i, e := range q.pending {
		if e.task.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Ordered returns the queued tasks highest priority first, FIFO among equal
// priorities.
func (q *taskQueue) Ordered() []*Task {
	sorted := append([]queued(nil), q.pending...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].task.Priority != sorted[j].task.Priority {
			return sorted[i].task.Priority > sorted[j].task.Priority
		}
		return sorted[i].seq < sorted[j].seq
	})
	out := make([]*Task, len(sorted))
	for i, e := range sorted {
		out[i] = e.task
	}
	return out
}

func (q *taskQueue) Len() int {
	return len(q.pending)
}
