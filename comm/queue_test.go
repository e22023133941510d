package comm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue()
	q.Push("one\n")
	q.Push("two\n")
	q.Push("three\n")

	for _, want := range []string{"one\n", "two\n", "three\n"} {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueueWake(t *testing.T) {
	q := NewQueue()
	select {
	case <-q.Wake():
		t.Fatal("wake on empty queue")
	default:
	}
	q.Push("line\n")
	select {
	case <-q.Wake():
	default:
		t.Fatal("no wake after push")
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	q := NewQueue()
	for i := 0; i < queueLimit; i++ {
		q.Push(fmt.Sprintf("%d\n", i))
	}
	assert.Equal(t, queueLimit, q.Len())

	// anything above the cap is dropped
	q.Push("dropped\n")
	q.Push("dropped\n")
	assert.Equal(t, queueLimit, q.Len())

	// draining below the resume mark re-arms the queue
	for q.Len() >= queueResume {
		_, ok := q.Pop()
		require.True(t, ok)
	}
	q.Push("accepted\n")
	assert.Equal(t, queueResume, q.Len())
}

func TestQueuePushFront(t *testing.T) {
	q := NewQueue()
	q.Push("second\n")
	q.pushFront("first\n")
	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "first\n", got)
	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "second\n", got)
}
