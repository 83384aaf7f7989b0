package pairing

import (
	"container/list"
	"time"
)

type waiter struct {
	id    ClientID
	since time.Time
}

// WaitingQueue is a FIFO of clients waiting for a partner. An id appears at
// most once, and removal by id is O(1).
//
// It is not safe for concurrent use; Engine serializes access.
type WaitingQueue struct {
	order *list.List
	index map[ClientID]*list.Element
}

func NewWaitingQueue() *WaitingQueue {
	return &WaitingQueue{
		order: list.New(),
		index: make(map[ClientID]*list.Element),
	}
}

// Enqueue appends id to the tail. It reports false if id is already queued.
func (q *WaitingQueue) Enqueue(id ClientID, at time.Time) bool {
	if _, ok := q.index[id]; ok {
		return false
	}
	q.index[id] = q.order.PushBack(waiter{id: id, since: at})
	return true
}

// DequeueNext removes and returns the head of the queue.
func (q *WaitingQueue) DequeueNext() (ClientID, bool) {
	front := q.order.Front()
	if front == nil {
		return "", false
	}
	w := q.order.Remove(front).(waiter)
	delete(q.index, w.id)
	return w.id, true
}

// Remove deletes id wherever it sits. Removing an absent id is a no-op.
func (q *WaitingQueue) Remove(id ClientID) bool {
	el, ok := q.index[id]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, id)
	return true
}

func (q *WaitingQueue) Contains(id ClientID) bool {
	_, ok := q.index[id]
	return ok
}

func (q *WaitingQueue) Len() int {
	return q.order.Len()
}

// IDs returns the queued ids from head to tail.
func (q *WaitingQueue) IDs() []ClientID {
	out := make([]ClientID, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(waiter).id)
	}
	return out
}

// Expired returns the ids that have been waiting since cutoff or earlier, in
// queue order.
func (q *WaitingQueue) Expired(cutoff time.Time) []ClientID {
	var out []ClientID
	for el := q.order.Front(); el != nil; el = el.Next() {
		w := el.Value.(waiter)
		if w.since.After(cutoff) {
			break
		}
		out = append(out, w.id)
	}
	return out
}
