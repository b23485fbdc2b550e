package dispatch

// deque is the inbound message queue. It is not safe for concurrent use;
// Router guards it with its own lock.
type deque struct {
	items []*Message
}

func (q *deque) len() int {
	return len(q.items)
}

func (q *deque) pushBack(m *Message) {
	q.items = append(q.items, m)
}

// pushFront puts msgs at the head of the queue, keeping their order, so
// msgs[0] is popped next.
func (q *deque) pushFront(msgs ...*Message) {
	if len(msgs) == 0 {
		return
	}
	items := make([]*Message, 0, len(msgs)+len(q.items))
	items = append(items, msgs...)
	q.items = append(items, q.items...)
}

func (q *deque) popFront() (*Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

// removeIf drops every message matching fn and returns how many were dropped.
func (q *deque) removeIf(fn func(*Message) bool) int {
	kept := q.items[:0]
	for _, m := range q.items {
		if !fn(m) {
			kept = append(kept, m)
		}
	}
	n := len(q.items) - len(kept)
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return n
}
