package workerpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFOOrder(t *testing.T) {
	q := newTaskQueue()
	require.NoError(t, q.enqueue(&queuedTask{task: Task{ID: "a"}}))
	require.NoError(t, q.enqueue(&queuedTask{task: Task{ID: "b"}}))
	require.NoError(t, q.enqueue(&queuedTask{task: Task{ID: "c"}}))

	assert.Equal(t, "a", q.dequeue().task.ID)
	assert.Equal(t, "b", q.dequeue().task.ID)
	assert.Equal(t, "c", q.dequeue().task.ID)
	assert.Nil(t, q.dequeue())
}

func TestTaskQueueRejectsDuplicateTaskID(t *testing.T) {
	q := newTaskQueue()
	require.NoError(t, q.enqueue(&queuedTask{task: Task{ID: "a"}}))
	err := q.enqueue(&queuedTask{task: Task{ID: "a"}})
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestTaskQueueRemove(t *testing.T) {
	q := newTaskQueue()
	require.NoError(t, q.enqueue(&queuedTask{task: Task{ID: "a"}}))
	require.NoError(t, q.enqueue(&queuedTask{task: Task{ID: "b"}}))

	assert.True(t, q.remove("a"))
	assert.False(t, q.remove("a"))
	assert.Equal(t, 1, q.len())
	assert.Equal(t, "b", q.dequeue().task.ID)
}
