package queue

import (
	"iter"
	"slices"
	"sort"
)

// List is a subscription's delivery queue, kept sorted in delivery order.
//
// List is not safe for concurrent use; callers hold the owning
// subscription's mutex.
type List struct {
	msgs []*Message
	ids  map[string]struct{}
}

// NewList returns an empty delivery queue.
func NewList() *List {
	return &List{ids: map[string]struct{}{}}
}

// Insert adds m at its sorted position. Messages with equal ordering keys
// keep their insertion order.
//
// It returns false, leaving the list untouched, if a message with the same
// ID is already queued.
func (l *List) Insert(m *Message) bool {
	if _, ok := l.ids[m.ID]; ok {
		return false
	}

	i := sort.Search(len(l.msgs), func(i int) bool {
		return m.Less(l.msgs[i])
	})
	l.msgs = slices.Insert(l.msgs, i, m)
	l.ids[m.ID] = struct{}{}

	return true
}

// Remove deletes the message with m's ID. It returns false if it is not queued.
func (l *List) Remove(m *Message) bool {
	if _, ok := l.ids[m.ID]; !ok {
		return false
	}

	i := slices.IndexFunc(l.msgs, func(x *Message) bool {
		return x.ID == m.ID
	})
	l.msgs = slices.Delete(l.msgs, i, i+1)
	delete(l.ids, m.ID)

	return true
}

// Len returns the number of queued messages.
func (l *List) Len() int { return len(l.msgs) }

// Empty reports whether the list has no messages.
func (l *List) Empty() bool { return len(l.msgs) == 0 }

// All iterates the queued messages in delivery order.
func (l *List) All() iter.Seq[*Message] {
	return slices.Values(l.msgs)
}

// Messages returns a copy of the queued messages in delivery order.
func (l *List) Messages() []*Message {
	return slices.Clone(l.msgs)
}
