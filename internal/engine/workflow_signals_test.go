package engine

import (
	"errors"
	"testing"

	"github.com/petrijr/promptflow/pkg/api"
)

func approvalFlow(name string, timeoutSeconds int) api.FlowDefinition {
	approve := node("approve", api.NodeUserInput)
	approve.Config = map[string]any{"required": []any{"approved"}}
	approve.TimeoutSeconds = timeoutSeconds

	return flow(name,
		[]api.Node{node("draft", api.NodeInput), approve, node("publish", api.NodeOutput), node("expired", api.NodeOutput)},
		[]api.Edge{
			edge("e1", "draft", "approve", api.EdgeNormal),
			edge("e2", "approve", "publish", api.EdgeNormal),
			edge("late", "approve", "expired", api.EdgeTimeout),
		},
	)
}

func TestUserInputPausesUntilResumed(t *testing.T) {
	eng := newTestEngine(t, Options{})
	mustRegister(t, eng, approvalFlow("approval", 0))
	ctx := testContext(t)

	res, err := eng.Run(ctx, "approval", map[string]any{"text": "draft"}, api.StartOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Execution.Paused || res.Execution.Status != api.FlowRunning {
		t.Fatalf("expected a paused running flow, got paused=%v status=%s", res.Execution.Paused, res.Execution.Status)
	}
	if got := nodeStatus(t, res, "approve"); got != api.NodePaused {
		t.Fatalf("approve: expected Paused, got %s", got)
	}
	id := res.Execution.ID

	if err := eng.Resume(ctx, id, "publish", nil); !errors.Is(err, api.ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused for the wrong node, got %v", err)
	}
	if err := eng.RecordFeedback(ctx, id, api.UserFeedback{Converted: true}); !errors.Is(err, api.ErrExecutionActive) {
		t.Fatalf("feedback on a paused run must fail, got %v", err)
	}

	if err := eng.Resume(ctx, id, "approve", map[string]any{"approved": true, "by": "editor"}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	var final *api.ExecutionResult
	waitFor(t, "run to finish", func() bool {
		final, _ = eng.Get(ctx, id)
		return final.Execution.Status.Terminal()
	})

	if final.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed, got %s (%s)", final.Execution.Status, final.Execution.ErrorMessage)
	}
	approve := final.Node("approve")
	if approve.Status != api.NodeCompleted || approve.Input["by"] != "editor" {
		t.Fatalf("approve should run with the resume payload, got %s %#v", approve.Status, approve.Input)
	}
	if final.Node("publish").Output["approved"] != true {
		t.Fatalf("publish should receive the payload, got %#v", final.Node("publish").Output)
	}
	if got := nodeStatus(t, final, "expired"); got != api.NodeSkipped {
		t.Fatalf("expired: expected Skipped, got %s", got)
	}

	if err := eng.Resume(ctx, id, "approve", nil); !errors.Is(err, api.ErrExecutionFinished) {
		t.Fatalf("expected ErrExecutionFinished, got %v", err)
	}
}

func TestResumeWithMissingFieldFailsNode(t *testing.T) {
	eng := newTestEngine(t, Options{})
	mustRegister(t, eng, approvalFlow("approval", 0))
	ctx := testContext(t)

	h, err := eng.Start(ctx, "approval", nil, api.StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "pause", func() bool { return h.Snapshot().Execution.Paused })

	if err := eng.Resume(ctx, h.ID(), "approve", map[string]any{"comment": "meh"}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := nodeStatus(t, res, "approve"); got != api.NodeFailed {
		t.Fatalf("approve: expected Failed, got %s", got)
	}
	if res.Execution.Status != api.FlowFailed {
		t.Fatalf("expected Failed, got %s", res.Execution.Status)
	}
}

func TestUserInputTimeoutTakesTimeoutEdge(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a one second node timeout")
	}
	eng := newTestEngine(t, Options{})
	mustRegister(t, eng, approvalFlow("approval", 1))

	res := runToEnd(t, eng, "approval", map[string]any{"text": "draft"}, api.StartOptions{})

	if got := nodeStatus(t, res, "approve"); got != api.NodeTimedOut {
		t.Fatalf("approve: expected TimedOut, got %s", got)
	}
	expired := res.Node("expired")
	if expired.Status != api.NodeCompleted {
		t.Fatalf("expired: expected Completed, got %s", expired.Status)
	}
	if expired.Output["node"] != "approve" || expired.Output["status"] != string(api.NodeTimedOut) {
		t.Fatalf("timeout edge should carry the report, got %#v", expired.Output)
	}
	if got := nodeStatus(t, res, "publish"); got != api.NodeSkipped {
		t.Fatalf("publish: expected Skipped, got %s", got)
	}
	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("a handled timeout is not a failure, got %s", res.Execution.Status)
	}
}

func TestCloseCancelsPausedRuns(t *testing.T) {
	eng, err := NewInMemoryEngine(Options{})
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}
	mustRegister(t, eng, approvalFlow("approval", 0))
	ctx := testContext(t)

	h, err := eng.Start(ctx, "approval", nil, api.StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "pause", func() bool { return h.Snapshot().Execution.Paused })

	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Execution.Status != api.FlowCancelled {
		t.Fatalf("expected Cancelled, got %s", res.Execution.Status)
	}
	if got := nodeStatus(t, res, "approve"); got != api.NodeCancelled {
		t.Fatalf("approve: expected Cancelled, got %s", got)
	}
}
