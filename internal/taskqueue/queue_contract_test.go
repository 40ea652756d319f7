package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/promptflow/pkg/api"
)

// exerciseQueue runs the ordering and delay behaviour shared by every
// Queue. The queue must start empty.
func exerciseQueue(t *testing.T, q Queue) {
	t.Helper()

	t.Run("fifo", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		base := time.Now()
		tasks := []Task{
			{ID: "1", Type: TaskTypeStartFlow, FlowName: "summarize", Input: map[string]any{"text": "a"}, EnqueuedAt: base},
			{ID: "2", Type: TaskTypeResumeNode, ExecutionID: "run-1", NodeKey: "approve", Input: map[string]any{"approved": true}, EnqueuedAt: base},
			{ID: "3", Type: TaskTypeCancelFlow, ExecutionID: "run-2", EnqueuedAt: base},
		}
		for _, task := range tasks {
			require.NoError(t, q.Enqueue(ctx, task))
		}
		assert.Equal(t, 3, q.Len())

		for _, want := range tasks {
			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Type, got.Type)
			assert.Equal(t, want.ExecutionID, got.ExecutionID)
			assert.Equal(t, want.NodeKey, got.NodeKey)
		}
		assert.Equal(t, 0, q.Len())
	})

	t.Run("payload survives", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, q.Enqueue(ctx, Task{
			ID:       "start",
			Type:     TaskTypeStartFlow,
			FlowName: "summarize",
			Options:  api.StartOptions{Version: "2", AssignmentKey: "user-1", Variables: map[string]any{"tone": "formal"}},
			Input:    map[string]any{"text": "hello"},
			Attempts: 2,
		}))
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "summarize", got.FlowName)
		assert.Equal(t, "2", got.Options.Version)
		assert.Equal(t, "user-1", got.Options.AssignmentKey)
		assert.Equal(t, "formal", got.Options.Variables["tone"])
		assert.Equal(t, "hello", got.Input["text"])
		assert.Equal(t, 2, got.Attempts)
		assert.False(t, got.EnqueuedAt.IsZero())
	})

	t.Run("not before", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		delay := 150 * time.Millisecond
		start := time.Now()
		require.NoError(t, q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeCancelFlow, NotBefore: start.Add(delay)}))
		require.NoError(t, q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeCancelFlow}))

		first, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "now", first.ID, "an eligible task is not held up by a delayed one")

		second, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "later", second.ID)
		assert.GreaterOrEqual(t, time.Since(start), delay)
	})

	t.Run("dequeue honours context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
