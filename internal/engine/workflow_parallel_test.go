package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// fanOutFlow is Input -> Parallel -> {a, b} -Synchronize-> join -> out.
// When withSideOutput is set, a also feeds its own Output node.
func fanOutFlow(name string, withSideOutput bool) api.FlowDefinition {
	nodes := []api.Node{
		node("in", api.NodeInput),
		node("fan", api.NodeParallel),
		prompt("a", "a"),
		prompt("b", "b"),
		node("join", api.NodeAggregation),
		node("out", api.NodeOutput),
	}
	edges := []api.Edge{
		edge("e1", "in", "fan", api.EdgeNormal),
		edge("p1", "fan", "a", api.EdgeParallel),
		edge("p2", "fan", "b", api.EdgeParallel),
		edge("s1", "a", "join", api.EdgeSynchronize),
		edge("s2", "b", "join", api.EdgeSynchronize),
		edge("e2", "join", "out", api.EdgeNormal),
	}
	if withSideOutput {
		nodes = append(nodes, node("a-out", api.NodeOutput))
		edges = append(edges, edge("e3", "a", "a-out", api.EdgeNormal))
	}
	return flow(name, nodes, edges)
}

func TestSynchronizeJoinsBranches(t *testing.T) {
	inv := newInvoker().
		on("a", reply(map[string]any{"summary": "short"})).
		on("b", reply(map[string]any{"tags": []any{"news"}}))
	eng := newTestEngine(t, Options{Invoker: inv})
	mustRegister(t, eng, fanOutFlow("fanout", false))

	res := runToEnd(t, eng, "fanout", nil, api.StartOptions{})

	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed, got %s (%s)", res.Execution.Status, res.Execution.ErrorMessage)
	}
	join := res.Node("join")
	if join.Status != api.NodeCompleted {
		t.Fatalf("join: expected Completed, got %s", join.Status)
	}
	if len(res.NodesByKey("join")) != 1 {
		t.Fatal("a synchronize target runs exactly once")
	}
	if join.Output["summary"] != "short" || join.Output["tags"] == nil {
		t.Fatalf("join should merge both branches, got %#v", join.Output)
	}
	if join.ExecutionOrder < res.Node("a").ExecutionOrder || join.ExecutionOrder < res.Node("b").ExecutionOrder {
		t.Fatal("join must start after both branches")
	}
}

func TestSynchronizeSkippedWhenBranchFails(t *testing.T) {
	refuse := failWith(api.Permanent(errors.New("refused")))

	t.Run("partially completed with another output", func(t *testing.T) {
		inv := newInvoker().on("b", refuse)
		eng := newTestEngine(t, Options{Invoker: inv})
		mustRegister(t, eng, fanOutFlow("fanout", true))

		res := runToEnd(t, eng, "fanout", nil, api.StartOptions{})

		if got := nodeStatus(t, res, "join"); got != api.NodeSkipped {
			t.Fatalf("join: expected Skipped, got %s", got)
		}
		if got := nodeStatus(t, res, "out"); got != api.NodeSkipped {
			t.Fatalf("out: expected Skipped, got %s", got)
		}
		if got := nodeStatus(t, res, "a-out"); got != api.NodeCompleted {
			t.Fatalf("a-out: expected Completed, got %s", got)
		}
		if res.Execution.Status != api.FlowPartiallyCompleted {
			t.Fatalf("expected PartiallyCompleted, got %s", res.Execution.Status)
		}
		if _, ok := res.Execution.Output["a-out"]; !ok {
			t.Fatalf("expected the completed output to be reported, got %#v", res.Execution.Output)
		}
	})

	t.Run("failed without another output", func(t *testing.T) {
		inv := newInvoker().on("b", refuse)
		eng := newTestEngine(t, Options{Invoker: inv})
		mustRegister(t, eng, fanOutFlow("fanout", false))

		res := runToEnd(t, eng, "fanout", nil, api.StartOptions{})

		if got := nodeStatus(t, res, "join"); got != api.NodeSkipped {
			t.Fatalf("join: expected Skipped, got %s", got)
		}
		if res.Execution.Status != api.FlowFailed {
			t.Fatalf("expected Failed, got %s", res.Execution.Status)
		}
	})
}

func TestBranchesRunConcurrently(t *testing.T) {
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	both := make(chan struct{})
	go func() { wg.Wait(); close(both) }()

	slow := func(ctx context.Context, _ api.InvokeRequest, _ int) (api.InvokeResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		wg.Done()
		select {
		case <-both:
		case <-ctx.Done():
			return api.InvokeResult{}, ctx.Err()
		}
		running.Add(-1)
		return api.InvokeResult{Output: map[string]any{}}, nil
	}
	inv := newInvoker().on("a", slow).on("b", slow)
	eng := newTestEngine(t, Options{Invoker: inv, MaxConcurrency: 4})
	mustRegister(t, eng, fanOutFlow("fanout", false))

	res := runToEnd(t, eng, "fanout", nil, api.StartOptions{})
	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed, got %s", res.Execution.Status)
	}
	if peak.Load() != 2 {
		t.Fatalf("expected both branches in flight together, peak was %d", peak.Load())
	}
}

func TestSerialNodesDoNotOverlap(t *testing.T) {
	var running, overlaps atomic.Int32
	slow := func(ctx context.Context, _ api.InvokeRequest, _ int) (api.InvokeResult, error) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer running.Add(-1)
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return api.InvokeResult{}, ctx.Err()
		}
		return api.InvokeResult{Output: map[string]any{}}, nil
	}
	inv := newInvoker().on("a", slow).on("b", slow)
	eng := newTestEngine(t, Options{Invoker: inv, MaxConcurrency: 4})

	def := fanOutFlow("serial", false)
	for i := range def.Nodes {
		if k := def.Nodes[i].Key; k == "a" || k == "b" {
			def.Nodes[i].AllowParallelExecution = false
		}
	}
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "serial", nil, api.StartOptions{})
	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed, got %s", res.Execution.Status)
	}
	if overlaps.Load() != 0 {
		t.Fatal("siblings that disallow parallel execution must run one at a time")
	}
}

func TestPriorityOrdersReadyNodes(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) invokerFunc {
		return func(context.Context, api.InvokeRequest, int) (api.InvokeResult, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return api.InvokeResult{Output: map[string]any{}}, nil
		}
	}
	inv := newInvoker().on("a", record("a")).on("b", record("b"))
	eng := newTestEngine(t, Options{Invoker: inv, MaxConcurrency: 1})

	def := fanOutFlow("priority", false)
	for i := range def.Nodes {
		switch def.Nodes[i].Key {
		case "a":
			def.Nodes[i].Priority = 9
		case "b":
			def.Nodes[i].Priority = 1
		}
	}
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "priority", nil, api.StartOptions{})
	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed, got %s", res.Execution.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("expected the higher priority node first, got %v", order)
	}
}
