package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/promptflow/pkg/api"
)

// sampleRun builds a flow execution with two nodes and two traversals.
// IDs and the flow name are unique so backends can share a database
// across tests.
func sampleRun(flowName string, status api.FlowStatus, startedAt time.Time) (*api.FlowExecution, []*api.NodeExecution, []api.EdgeTraversal) {
	id := uuid.NewString()
	exec := &api.FlowExecution{
		ID:          id,
		FlowID:      flowName + "@1",
		FlowName:    flowName,
		FlowVersion: "1",
		Status:      status,
		Input:       map[string]any{"text": "hello"},
		Output:      map[string]any{"out": map[string]any{"summary": "hi"}},
		TotalCost:   0.25,
		TotalTokens: 42,
		StartedAt:   startedAt,
		VariantID:   "formal",
	}
	yes := true
	nodes := []*api.NodeExecution{
		{
			ID: uuid.NewString(), ExecutionID: id, NodeID: "summarize", NodeKey: "summarize",
			NodeType: api.NodePromptCall, ExecutionOrder: 2, Status: api.NodeCompleted,
			Output: map[string]any{"summary": "hi"}, Tokens: 42, Cost: 0.25, RetryCount: 1,
			DebugInfo: []api.DebugEntry{{At: startedAt, Attempt: 1, Message: "rate limited"}},
		},
		{
			ID: uuid.NewString(), ExecutionID: id, NodeID: "in", NodeKey: "in",
			NodeType: api.NodeInput, ExecutionOrder: 1, Status: api.NodeCompleted,
			Output: map[string]any{"text": "hello"},
		},
	}
	trs := []api.EdgeTraversal{
		{ID: uuid.NewString(), ExecutionID: id, Sequence: 2, EdgeID: "e2", Fires: true, Reason: "fired", Success: true},
		{ID: uuid.NewString(), ExecutionID: id, Sequence: 1, EdgeID: "e1", ConditionResult: &yes, Fires: true, Reason: "condition_true", Success: true},
	}
	return exec, nodes, trs
}

func writeRun(t *testing.T, s Store, exec *api.FlowExecution, nodes []*api.NodeExecution, trs []api.EdgeTraversal) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WriteFlowExecution(ctx, exec))
	for _, n := range nodes {
		require.NoError(t, s.WriteNodeExecution(ctx, n))
	}
	for i := range trs {
		require.NoError(t, s.WriteEdgeTraversal(ctx, &trs[i]))
	}
}

// exerciseStore runs the behaviour every Store backend shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	flowName := "contract-" + uuid.NewString()
	base := time.Now().Truncate(time.Millisecond)

	t.Run("round trip", func(t *testing.T) {
		exec, nodes, trs := sampleRun(flowName, api.FlowRunning, base)
		writeRun(t, s, exec, nodes, trs)

		got, err := s.GetFlowExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec.FlowName, got.FlowName)
		assert.Equal(t, api.FlowRunning, got.Status)
		assert.Equal(t, "hello", got.Input["text"])
		assert.Equal(t, int64(42), got.TotalTokens)
		assert.Equal(t, "formal", got.VariantID)
		assert.True(t, exec.StartedAt.Equal(got.StartedAt))

		gotNodes, err := s.ListNodeExecutions(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, gotNodes, 2)
		assert.Equal(t, "in", gotNodes[0].NodeKey, "nodes are ordered by execution order")
		assert.Equal(t, "summarize", gotNodes[1].NodeKey)
		assert.Equal(t, 1, gotNodes[1].RetryCount)
		require.Len(t, gotNodes[1].DebugInfo, 1)
		assert.Equal(t, "rate limited", gotNodes[1].DebugInfo[0].Message)

		gotTrs, err := s.ListEdgeTraversals(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, gotTrs, 2)
		assert.Equal(t, "e1", gotTrs[0].EdgeID, "traversals are ordered by sequence")
		require.NotNil(t, gotTrs[0].ConditionResult)
		assert.True(t, *gotTrs[0].ConditionResult)
		assert.Equal(t, "condition_true", gotTrs[0].Reason)
	})

	t.Run("writes are upserts", func(t *testing.T) {
		exec, nodes, trs := sampleRun(flowName, api.FlowRunning, base.Add(time.Second))
		writeRun(t, s, exec, nodes, trs)

		exec.Status = api.FlowCompleted
		exec.CompletedAt = base.Add(2 * time.Second)
		nodes[0].Status = api.NodeFailed
		nodes[0].ErrorMessage = "boom"
		writeRun(t, s, exec, nodes[:1], nil)

		got, err := s.GetFlowExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, api.FlowCompleted, got.Status)

		gotNodes, err := s.ListNodeExecutions(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, gotNodes, 2, "a rewritten node replaces its previous version")
		assert.Equal(t, api.NodeFailed, gotNodes[1].Status)
		assert.Equal(t, "boom", gotNodes[1].ErrorMessage)
	})

	t.Run("missing execution", func(t *testing.T) {
		_, err := s.GetFlowExecution(ctx, "missing-"+uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)

		nodes, err := s.ListNodeExecutions(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("list filters", func(t *testing.T) {
		name := flowName + "-list"
		var ids []string
		for i, st := range []api.FlowStatus{api.FlowCompleted, api.FlowFailed, api.FlowCompleted} {
			exec, _, _ := sampleRun(name, st, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, s.WriteFlowExecution(ctx, exec))
			ids = append(ids, exec.ID)
		}
		other, _, _ := sampleRun(name+"-other", api.FlowCompleted, base)
		require.NoError(t, s.WriteFlowExecution(ctx, other))

		all, err := s.ListFlowExecutions(ctx, ExecutionFilter{FlowName: name})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, exec := range all {
			assert.Equal(t, ids[i], exec.ID, fmt.Sprintf("position %d is ordered by start time", i))
		}

		done, err := s.ListFlowExecutions(ctx, ExecutionFilter{FlowName: name, Status: api.FlowCompleted})
		require.NoError(t, err)
		require.Len(t, done, 2)
		assert.Equal(t, ids[0], done[0].ID)
		assert.Equal(t, ids[2], done[1].ID)
	})
}
