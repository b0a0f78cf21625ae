package queue

import (
	"container/list"
)

type pendingEntry struct {
	msg Message
	ack func() error
}

// pendingTable keeps a user's unacknowledged messages in delivery order with
// an id index, so head lookup and removal are O(1).
type pendingTable struct {
	order *list.List
	index map[string]*list.Element
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (t *pendingTable) has(id string) bool {
	_, ok := t.index[id]
	return ok
}

func (t *pendingTable) push(e pendingEntry) {
	t.index[e.msg.ID] = t.order.PushBack(e)
}

// popHead removes and returns the oldest entry if its id is id.
func (t *pendingTable) popHead(id string) (pendingEntry, bool) {
	front := t.order.Front()
	if front == nil {
		return pendingEntry{}, false
	}
	e := front.Value.(pendingEntry)
	if e.msg.ID != id {
		return pendingEntry{}, false
	}
	t.order.Remove(front)
	delete(t.index, id)
	return e, true
}

func (t *pendingTable) snapshot() []Message {
	out := make([]Message, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(pendingEntry).msg)
	}
	return out
}

func (t *pendingTable) len() int {
	return t.order.Len()
}

func (t *pendingTable) reset() {
	t.order.Init()
	clear(t.index)
}
