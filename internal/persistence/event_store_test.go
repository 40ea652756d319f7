package persistence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/promptflow/pkg/api"
)

func exerciseEventStore(t *testing.T, s EventStore) {
	t.Helper()
	ctx := context.Background()

	events := []api.FlowEvent{
		{ExecutionID: "run-1", Type: api.EventFlowStarted, FlowName: "summarize", FlowVersion: "1"},
		{ExecutionID: "run-2", Type: api.EventFlowStarted, FlowName: "other"},
		{ExecutionID: "run-1", Type: api.EventNodeCompleted, NodeKey: "in", Detail: "completed"},
		{ExecutionID: "run-1", Type: api.EventEdgeFired, Detail: "e1", At: time.Unix(100, 0)},
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, api.EventFlowStarted, got[0].Type)
	assert.Equal(t, "summarize", got[0].FlowName)
	assert.False(t, got[0].At.IsZero(), "a zero timestamp is filled in")
	assert.Equal(t, "in", got[1].NodeKey)
	assert.Equal(t, "e1", got[2].Detail)
	assert.True(t, got[2].At.Equal(time.Unix(100, 0)))

	none, err := s.ListEvents(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	queryEvents(t, s)
}

func queryEvents(t *testing.T, s EventStore) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range []api.FlowEvent{
		{ExecutionID: "run-q", Type: api.EventNodeStarted, NodeKey: "draft"},
		{ExecutionID: "run-q", Type: api.EventFlowPaused, NodeKey: "approve"},
		{ExecutionID: "run-q", Type: api.EventFlowResumed, NodeKey: "approve"},
		{ExecutionID: "run-q", Type: api.EventNodeCompleted, NodeKey: "approve", Detail: "completed"},
		{ExecutionID: "run-q", Type: api.EventFlowPaused, NodeKey: "approve"},
		{ExecutionID: "run-q", Type: api.EventNodeFailed, NodeKey: "draft", Detail: strings.Repeat("x", 5000)},
	} {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	approve, err := s.QueryEvents(ctx, EventQuery{ExecutionID: "run-q", NodeKey: "approve"})
	require.NoError(t, err)
	require.Len(t, approve, 4)
	assert.Equal(t, api.EventFlowPaused, approve[0].Type)
	assert.Equal(t, "completed", approve[2].Detail)

	signals, err := s.QueryEvents(ctx, EventQuery{
		ExecutionID: "run-q",
		Types:       []api.EventType{api.EventFlowPaused, api.EventFlowResumed},
	})
	require.NoError(t, err)
	assert.Len(t, signals, 3)

	last, err := s.QueryEvents(ctx, EventQuery{ExecutionID: "run-q", NodeKey: "approve", Latest: 2})
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, api.EventNodeCompleted, last[0].Type, "latest matches stay in append order")
	assert.Equal(t, api.EventFlowPaused, last[1].Type)

	failed, err := s.QueryEvents(ctx, EventQuery{ExecutionID: "run-q", NodeKey: "draft", Types: []api.EventType{api.EventNodeFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Len(t, failed[0].Detail, maxEventDetail)
}

func TestMemoryEventStore(t *testing.T) {
	exerciseEventStore(t, NewMemoryEventStore())
}

func TestSQLiteEventStore(t *testing.T) {
	s, err := NewSQLiteEventStore(openTestSQLite(t))
	require.NoError(t, err)
	exerciseEventStore(t, s)
}

func TestEventObserverRecordsLifecycle(t *testing.T) {
	store := NewMemoryEventStore()
	obs := NewEventObserver(store, nil)
	ctx := context.Background()

	exec := &api.FlowExecution{ID: "run-1", FlowName: "approval", FlowVersion: "1", Status: api.FlowRunning}
	approve := &api.NodeExecution{ID: "ne-2", NodeKey: "approve", Status: api.NodePaused}

	obs.OnFlowStart(ctx, exec)
	obs.OnNodeStart(ctx, exec, &api.NodeExecution{ID: "ne-1", NodeKey: "draft", Status: api.NodeRunning})
	obs.OnNodeCompleted(ctx, exec, &api.NodeExecution{ID: "ne-1", NodeKey: "draft", Status: api.NodeCompleted}, nil, 0)
	obs.OnEdgeTraversed(ctx, exec, api.EdgeTraversal{EdgeID: "e1", Fires: true})
	obs.OnEdgeTraversed(ctx, exec, api.EdgeTraversal{EdgeID: "late", Fires: false})
	obs.OnNodeStart(ctx, exec, approve)

	done := approve.Clone()
	done.Status = api.NodeFailed
	obs.OnNodeCompleted(ctx, exec, done, errors.New("missing approved"), 0)

	exec.Status = api.FlowFailed
	obs.OnFlowFailed(ctx, exec, errors.New("node approve failed"))

	got, err := store.ListEvents(ctx, "run-1")
	require.NoError(t, err)

	types := make([]api.EventType, len(got))
	for i, ev := range got {
		types[i] = ev.Type
	}
	assert.Equal(t, []api.EventType{
		api.EventFlowStarted,
		api.EventNodeStarted,
		api.EventNodeCompleted,
		api.EventEdgeFired,
		api.EventFlowPaused,
		api.EventFlowResumed,
		api.EventNodeFailed,
		api.EventFlowFailed,
	}, types)
	assert.Equal(t, "e1", got[3].Detail)
	assert.Equal(t, "approve", got[4].NodeKey)
	assert.Equal(t, "missing approved", got[6].Detail)
	assert.Equal(t, "failed: node approve failed", got[7].Detail)
	assert.Equal(t, "approval", got[7].FlowName)
}

func TestEventObserverTimedOutPauseIsNotResumed(t *testing.T) {
	store := NewMemoryEventStore()
	obs := NewEventObserver(store, nil)
	ctx := context.Background()

	exec := &api.FlowExecution{ID: "run-1", FlowName: "approval"}
	obs.OnNodeStart(ctx, exec, &api.NodeExecution{ID: "ne-1", NodeKey: "approve", Status: api.NodePaused})
	obs.OnNodeCompleted(ctx, exec, &api.NodeExecution{ID: "ne-1", NodeKey: "approve", Status: api.NodeTimedOut}, errors.New("timed out"), 0)

	got, err := store.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, api.EventFlowPaused, got[0].Type)
	assert.Equal(t, api.EventNodeFailed, got[1].Type)
}

func TestEventObserverResumeAfterRestart(t *testing.T) {
	db := openTestSQLite(t)
	store, err := NewSQLiteEventStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	exec := &api.FlowExecution{ID: "run-1", FlowName: "approval"}
	approve := &api.NodeExecution{ID: "ne-1", NodeKey: "approve", NodeType: api.NodeUserInput, Status: api.NodePaused}
	NewEventObserver(store, nil).OnNodeStart(ctx, exec, approve)

	// A second process picks the run up and completes the paused node.
	done := approve.Clone()
	done.Status = api.NodeCompleted
	NewEventObserver(store, nil).OnNodeCompleted(ctx, exec, done, nil, 0)

	got, err := store.ListEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, api.EventFlowPaused, got[0].Type)
	assert.Equal(t, api.EventFlowResumed, got[1].Type)
	assert.Equal(t, api.EventNodeCompleted, got[2].Type)

	// Completing it again finds the resume and adds no second one.
	NewEventObserver(store, nil).OnNodeCompleted(ctx, exec, done, nil, 0)
	resumed, err := store.QueryEvents(ctx, EventQuery{ExecutionID: "run-1", Types: []api.EventType{api.EventFlowResumed}})
	require.NoError(t, err)
	assert.Len(t, resumed, 1)
}
