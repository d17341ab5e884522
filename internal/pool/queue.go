package pool

// tierQueue keeps pending tasks ordered by (priority rank, enqueue
// sequence). Insertion is O(n); queues are small and the single-writer loop
// is the only caller.
type tierQueue struct {
	items []*Task
}

func (q *tierQueue) enqueue(t *Task) {
	rank := t.Spec.Priority.Rank()
	pos := len(q.items)
	for i, it := range q.items {
		itRank := it.Spec.Priority.Rank()
		if rank < itRank || (rank == itRank && t.Seq < it.Seq) {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = t
}

func (q *tierQueue) popFront() *Task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

// remove extracts a task by id, preserving the order of the rest.
func (q *tierQueue) remove(id string) *Task {
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return it
		}
	}
	return nil
}

func (q *tierQueue) len() int { return len(q.items) }

// drain empties the queue and returns the removed tasks in queue order.
func (q *tierQueue) drain() []*Task {
	out := q.items
	q.items = nil
	return out
}
