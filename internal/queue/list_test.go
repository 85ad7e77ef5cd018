package queue

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []*Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestListOrdersAnyInsertionOrder(t *testing.T) {
	msgs := []*Message{
		msgAt("p9@100", 9, 100, 0),
		msgAt("p5@50", 5, 50, 0),
		msgAt("p5@10", 5, 10, 0),
	}
	want := []string{"p9@100", "p5@10", "p5@50"}

	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, perm := range perms {
		l := NewList()
		for _, i := range perm {
			require.True(t, l.Insert(msgs[i]))
		}

		assert.Equal(t, want, ids(l.Messages()), "insertion order %v", perm)
		assert.Equal(t, want, ids(slices.Collect(l.All())), "insertion order %v", perm)
	}
}

func TestListEqualKeysKeepInsertionOrder(t *testing.T) {
	l := NewList()
	l.Insert(msgAt("first", 5, 10, 10))
	l.Insert(msgAt("second", 5, 10, 10))
	l.Insert(msgAt("third", 5, 10, 10))

	assert.Equal(t, []string{"first", "second", "third"}, ids(l.Messages()))
}

func TestListRejectsDuplicateIDs(t *testing.T) {
	l := NewList()
	require.True(t, l.Insert(msgAt("m", 5, 10, 10)))
	assert.False(t, l.Insert(msgAt("m", 9, 0, 0)))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 5, l.Messages()[0].Priority)
}

func TestListRemove(t *testing.T) {
	l := NewList()
	assert.True(t, l.Empty())

	a, b := msgAt("a", 9, 0, 0), msgAt("b", 1, 0, 0)
	l.Insert(a)
	l.Insert(b)
	assert.False(t, l.Empty())

	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.Equal(t, []string{"b"}, ids(l.Messages()))

	// A re-inserted message goes back in.
	assert.True(t, l.Insert(a))
	assert.Equal(t, []string{"a", "b"}, ids(l.Messages()))
}

func TestListMessagesIsACopy(t *testing.T) {
	l := NewList()
	l.Insert(msgAt("a", 5, 0, 0))

	snap := l.Messages()
	l.Insert(msgAt("b", 9, 0, 0))

	assert.Equal(t, []string{"a"}, ids(snap))
	assert.Equal(t, 2, l.Len())
}
