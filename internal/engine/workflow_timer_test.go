package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

func TestFlowTimeoutStopsRun(t *testing.T) {
	inv := newInvoker().on("slow", blockUntilDone)
	eng := newTestEngine(t, Options{Invoker: inv, FlowTimeout: 50 * time.Millisecond})

	def := linearFlow("slow")
	def.Nodes[1] = prompt("summarize", "slow")
	mustRegister(t, eng, def)

	start := time.Now()
	res := runToEnd(t, eng, "slow", nil, api.StartOptions{})

	if res.Execution.Status != api.FlowTimedOut {
		t.Fatalf("expected TimedOut, got %s", res.Execution.Status)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("flow deadline was not enforced")
	}
	if got := nodeStatus(t, res, "summarize"); got != api.NodeCancelled {
		t.Fatalf("summarize: expected Cancelled, got %s", got)
	}
	if res.Node("out") != nil {
		t.Fatal("nodes after the deadline must not be recorded")
	}
	if !strings.Contains(res.Execution.ErrorMessage, "timed out") {
		t.Fatalf("unexpected error message %q", res.Execution.ErrorMessage)
	}
}

func TestNodeTimeoutFailsNode(t *testing.T) {
	inv := newInvoker().on("slow", blockUntilDone)
	eng := newTestEngine(t, Options{Invoker: inv, NodeTimeout: 30 * time.Millisecond})

	def := linearFlow("slow-node")
	def.Nodes[1] = prompt("summarize", "slow")
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "slow-node", nil, api.StartOptions{})

	ne := res.Node("summarize")
	if ne.Status != api.NodeTimedOut {
		t.Fatalf("expected TimedOut, got %s (%s)", ne.Status, ne.ErrorMessage)
	}
	if res.Execution.Status != api.FlowFailed {
		t.Fatalf("an unhandled node timeout fails the flow, got %s", res.Execution.Status)
	}
}

func TestNodeTimeoutRetriesThenTakesTimeoutEdge(t *testing.T) {
	inv := newInvoker().on("slow", blockUntilDone)
	eng := newTestEngine(t, Options{Invoker: inv, NodeTimeout: 20 * time.Millisecond})

	slow := prompt("summarize", "slow")
	slow.MaxRetries = 1
	slow.Retry = &api.RetryPolicy{InitialBackoff: time.Millisecond}

	def := flow("timeout-edge",
		[]api.Node{node("in", api.NodeInput), slow, node("out", api.NodeOutput), node("fallback", api.NodeOutput)},
		[]api.Edge{
			edge("e1", "in", "summarize", api.EdgeNormal),
			edge("e2", "summarize", "out", api.EdgeNormal),
			edge("late", "summarize", "fallback", api.EdgeTimeout),
			edge("err", "summarize", "fallback", api.EdgeErrorHandler),
		},
	)
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "timeout-edge", nil, api.StartOptions{})

	ne := res.Node("summarize")
	if ne.Status != api.NodeTimedOut || ne.RetryCount != 1 {
		t.Fatalf("expected TimedOut after one retry, got %s/%d", ne.Status, ne.RetryCount)
	}
	if got := inv.Calls("slow"); got != 2 {
		t.Fatalf("timeouts are transient and retried, got %d calls", got)
	}
	late, _ := res.Traversal("late")
	errEdge, _ := res.Traversal("err")
	if !late.Fires || errEdge.Fires {
		t.Fatalf("a timeout prefers the Timeout edge: late=%v err=%v", late.Fires, errEdge.Fires)
	}
	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed, got %s (%s)", res.Execution.Status, res.Execution.ErrorMessage)
	}
}

func TestCancelStopsRun(t *testing.T) {
	inv := newInvoker().on("slow", blockUntilDone)
	eng := newTestEngine(t, Options{Invoker: inv})

	def := linearFlow("cancel")
	def.Nodes[1] = prompt("summarize", "slow")
	mustRegister(t, eng, def)
	ctx := testContext(t)

	h, err := eng.Start(ctx, "cancel", nil, api.StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "prompt to start", func() bool { return inv.Calls("slow") > 0 })

	if err := eng.Cancel(ctx, h.ID()); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Execution.Status != api.FlowCancelled {
		t.Fatalf("expected Cancelled, got %s", res.Execution.Status)
	}
	if got := nodeStatus(t, res, "summarize"); got != api.NodeCancelled {
		t.Fatalf("summarize: expected Cancelled, got %s", got)
	}

	if err := eng.Cancel(ctx, h.ID()); !errors.Is(err, api.ErrExecutionFinished) {
		t.Fatalf("expected ErrExecutionFinished, got %v", err)
	}
	if err := eng.Cancel(ctx, "missing"); !errors.Is(err, api.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestStartContextCancellationCancelsRun(t *testing.T) {
	inv := newInvoker().on("slow", blockUntilDone)
	eng := newTestEngine(t, Options{Invoker: inv})

	def := linearFlow("ctx")
	def.Nodes[1] = prompt("summarize", "slow")
	mustRegister(t, eng, def)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := eng.Start(ctx, "ctx", nil, api.StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "prompt to start", func() bool { return inv.Calls("slow") > 0 })
	cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after its context was cancelled")
	}
	if got := h.Snapshot().Execution.Status; got != api.FlowCancelled {
		t.Fatalf("expected Cancelled, got %s", got)
	}
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	inv := newInvoker().on("slow", blockUntilDone)
	eng := newTestEngine(t, Options{Invoker: inv})

	def := linearFlow("deadline")
	def.Nodes[1] = prompt("summarize", "slow")
	mustRegister(t, eng, def)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := eng.Run(ctx, "deadline", nil, api.StartOptions{})
	if res == nil || res.Execution.ID == "" {
		t.Fatal("Run should still return the snapshot")
	}
	// The run shares the caller's context, so it may already be cancelled
	// by the time Run observes the deadline.
	if err == nil && res.Execution.Status != api.FlowCancelled {
		t.Fatalf("expected DeadlineExceeded or a cancelled run, got %s", res.Execution.Status)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
