package engine

import (
	"errors"
	"testing"

	"github.com/petrijr/promptflow/pkg/api"
)

func TestLinearFlowCompletes(t *testing.T) {
	inv := newInvoker()
	eng := newTestEngine(t, Options{Invoker: inv})
	mustRegister(t, eng, linearFlow("summarize"))

	res := runToEnd(t, eng, "summarize", map[string]any{"text": "a long article"}, api.StartOptions{})

	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected %s, got %s (%s)", api.FlowCompleted, res.Execution.Status, res.Execution.ErrorMessage)
	}
	if len(res.Nodes) != 3 {
		t.Fatalf("expected 3 node executions, got %d", len(res.Nodes))
	}
	for i, key := range []string{"in", "summarize", "out"} {
		ne := res.Nodes[i]
		if ne.NodeKey != key {
			t.Fatalf("node %d: expected %s, got %s", i, key, ne.NodeKey)
		}
		if ne.Status != api.NodeCompleted {
			t.Fatalf("node %s: expected Completed, got %s", key, ne.Status)
		}
		if ne.ExecutionOrder != i+1 {
			t.Fatalf("node %s: expected order %d, got %d", key, i+1, ne.ExecutionOrder)
		}
	}

	if len(res.Traversals) != 2 {
		t.Fatalf("expected exactly 2 traversals, got %d", len(res.Traversals))
	}
	for i, tr := range res.Traversals {
		if !tr.Fires || !tr.Success {
			t.Fatalf("traversal %s should have fired: %+v", tr.EdgeID, tr)
		}
		if tr.Sequence != int64(i+1) {
			t.Fatalf("traversal %s: expected sequence %d, got %d", tr.EdgeID, i+1, tr.Sequence)
		}
	}

	out, ok := res.Execution.Output["out"].(map[string]any)
	if !ok {
		t.Fatalf("expected output of node out, got %#v", res.Execution.Output)
	}
	if out["text"] != "Summarize the request" {
		t.Fatalf("unexpected output: %#v", out)
	}
	if res.Execution.TotalTokens != 10 || res.Execution.TotalCost != 0.5 {
		t.Fatalf("unexpected totals: tokens=%d cost=%v", res.Execution.TotalTokens, res.Execution.TotalCost)
	}
	if res.Kind() != api.ResultIndividual {
		t.Fatalf("expected individual result, got %s", res.Kind())
	}
}

func TestConditionalFiresTrueEdgeAndRecordsDefault(t *testing.T) {
	inv := newInvoker().on("classify", reply(map[string]any{"label": "spam"}))
	eng := newTestEngine(t, Options{Invoker: inv})

	def := flow("triage",
		[]api.Node{
			node("in", api.NodeInput),
			prompt("classify", "classify"),
			node("route", api.NodeConditional),
			node("spam", api.NodeOutput),
			node("ham", api.NodeOutput),
		},
		[]api.Edge{
			edge("e1", "in", "classify", api.EdgeNormal),
			edge("e2", "classify", "route", api.EdgeNormal),
			{ID: "is-spam", Source: "route", Target: "spam", Type: api.EdgeConditional, Condition: `output.label == "spam"`, Enabled: true},
			{ID: "otherwise", Source: "route", Target: "ham", Type: api.EdgeConditional, IsDefault: true, Enabled: true},
		},
	)
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "triage", map[string]any{"text": "win a prize"}, api.StartOptions{})

	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed, got %s (%s)", res.Execution.Status, res.Execution.ErrorMessage)
	}
	if got := nodeStatus(t, res, "spam"); got != api.NodeCompleted {
		t.Fatalf("spam: expected Completed, got %s", got)
	}
	if got := nodeStatus(t, res, "ham"); got != api.NodeSkipped {
		t.Fatalf("ham: expected Skipped, got %s", got)
	}

	tr, ok := res.Traversal("is-spam")
	if !ok || !tr.Fires || tr.ConditionResult == nil || !*tr.ConditionResult {
		t.Fatalf("expected is-spam to fire with a true condition, got %+v", tr)
	}
	def2, ok := res.Traversal("otherwise")
	if !ok {
		t.Fatal("default edge traversal was not recorded")
	}
	if def2.Fires {
		t.Fatalf("default edge must not fire when a condition matched: %+v", def2)
	}

	if _, ok := res.Execution.Output["ham"]; ok {
		t.Fatalf("skipped output must not be reported: %#v", res.Execution.Output)
	}
}

func TestDefaultEdgeFiresWhenNoConditionMatches(t *testing.T) {
	inv := newInvoker().on("classify", reply(map[string]any{"label": "ham"}))
	eng := newTestEngine(t, Options{Invoker: inv})

	def := flow("triage",
		[]api.Node{
			node("in", api.NodeInput),
			prompt("classify", "classify"),
			node("spam", api.NodeOutput),
			node("ham", api.NodeOutput),
		},
		[]api.Edge{
			edge("e1", "in", "classify", api.EdgeNormal),
			{ID: "is-spam", Source: "classify", Target: "spam", Type: api.EdgeConditional, Condition: `output.label == "spam"`, Enabled: true},
			{ID: "otherwise", Source: "classify", Target: "ham", Type: api.EdgeNormal, IsDefault: true, Enabled: true},
		},
	)
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "triage", nil, api.StartOptions{})
	if got := nodeStatus(t, res, "ham"); got != api.NodeCompleted {
		t.Fatalf("ham: expected Completed, got %s", got)
	}
	if got := nodeStatus(t, res, "spam"); got != api.NodeSkipped {
		t.Fatalf("spam: expected Skipped, got %s", got)
	}
	tr, _ := res.Traversal("is-spam")
	if tr.Fires || tr.ConditionResult == nil || *tr.ConditionResult {
		t.Fatalf("expected a false condition, got %+v", tr)
	}
}

func TestConditionErrorFailsNodeWithoutHandler(t *testing.T) {
	inv := newInvoker().on("classify", reply(map[string]any{"label": "spam"}))
	eng := newTestEngine(t, Options{Invoker: inv})

	def := flow("broken",
		[]api.Node{node("in", api.NodeInput), prompt("classify", "classify"), node("out", api.NodeOutput)},
		[]api.Edge{
			edge("e1", "in", "classify", api.EdgeNormal),
			{ID: "bad", Source: "classify", Target: "out", Type: api.EdgeConditional, Condition: `output.score > 1`, Enabled: true},
		},
	)
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "broken", nil, api.StartOptions{})
	if res.Execution.Status != api.FlowFailed {
		t.Fatalf("expected Failed, got %s", res.Execution.Status)
	}
	tr, _ := res.Traversal("bad")
	if tr.Success || tr.Error == "" {
		t.Fatalf("expected a failed condition evaluation, got %+v", tr)
	}
	if got := nodeStatus(t, res, "out"); got != api.NodeSkipped {
		t.Fatalf("out: expected Skipped, got %s", got)
	}
}

func TestConditionErrorIsNotMaskedByDefaultEdge(t *testing.T) {
	eng := newTestEngine(t, Options{Invoker: newInvoker()})

	def := flow("masked",
		[]api.Node{node("in", api.NodeInput), node("a", api.NodeOutput), node("b", api.NodeOutput)},
		[]api.Edge{
			{ID: "c1", Source: "in", Target: "a", Type: api.EdgeConditional, Condition: `output.missing.deep > 1`, Enabled: true},
			{ID: "d1", Source: "in", Target: "b", Type: api.EdgeNormal, IsDefault: true, Enabled: true},
		},
	)
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "masked", nil, api.StartOptions{})
	if res.Execution.Status != api.FlowFailed {
		t.Fatalf("expected Failed, got %s", res.Execution.Status)
	}
	if res.Execution.ErrorMessage == "" {
		t.Fatalf("expected an error message on the failed run")
	}
	if tr, _ := res.Traversal("c1"); tr.Success || tr.Reason != "condition_error" {
		t.Fatalf("c1: expected a condition error, got %+v", tr)
	}
	if tr, _ := res.Traversal("d1"); tr.Fires {
		t.Fatalf("d1: the default edge must not fire, got %+v", tr)
	}
	if got := nodeStatus(t, res, "b"); got != api.NodeSkipped {
		t.Fatalf("b: expected Skipped, got %s", got)
	}
}

func TestConditionErrorRoutesToHandlerNotSiblings(t *testing.T) {
	eng := newTestEngine(t, Options{Invoker: newInvoker()})

	def := flow("handled",
		[]api.Node{
			node("in", api.NodeInput),
			node("a", api.NodeOutput),
			node("side", api.NodeOutput),
			node("recover", api.NodeErrorHandler),
			node("out", api.NodeOutput),
		},
		[]api.Edge{
			{ID: "c1", Source: "in", Target: "a", Type: api.EdgeConditional, Condition: `output.missing.deep > 1`, Enabled: true},
			edge("n1", "in", "side", api.EdgeNormal),
			edge("h1", "in", "recover", api.EdgeErrorHandler),
			edge("r1", "recover", "out", api.EdgeNormal),
		},
	)
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "handled", nil, api.StartOptions{})
	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("expected Completed via the handler, got %s (%s)", res.Execution.Status, res.Execution.ErrorMessage)
	}
	if tr, _ := res.Traversal("n1"); tr.Fires {
		t.Fatalf("n1: a normal sibling must not fire, got %+v", tr)
	}
	if got := nodeStatus(t, res, "recover"); got != api.NodeCompleted {
		t.Fatalf("recover: expected Completed, got %s", got)
	}
}

func TestDisabledNodeIsSkipped(t *testing.T) {
	eng := newTestEngine(t, Options{Invoker: newInvoker()})

	def := linearFlow("disabled")
	def.Nodes[1].Enabled = false
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "disabled", nil, api.StartOptions{})
	if got := nodeStatus(t, res, "summarize"); got != api.NodeSkipped {
		t.Fatalf("summarize: expected Skipped, got %s", got)
	}
	if got := nodeStatus(t, res, "out"); got != api.NodeSkipped {
		t.Fatalf("out: expected Skipped, got %s", got)
	}
	if res.Execution.Status != api.FlowCompleted {
		t.Fatalf("a skipped path is not a failure, got %s", res.Execution.Status)
	}
}

func TestGetReturnsRun(t *testing.T) {
	eng := newTestEngine(t, Options{Invoker: newInvoker()})
	mustRegister(t, eng, linearFlow("summarize"))

	res := runToEnd(t, eng, "summarize", nil, api.StartOptions{})

	got, err := eng.Get(testContext(t), res.Execution.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Execution.Status != api.FlowCompleted || len(got.Nodes) != 3 {
		t.Fatalf("unexpected run: %+v", got.Execution)
	}

	// Snapshots are copies.
	got.Execution.Output["out"] = "tampered"
	again, _ := eng.Get(testContext(t), res.Execution.ID)
	if again.Execution.Output["out"] == "tampered" {
		t.Fatal("Get must return a deep copy")
	}

	if _, err := eng.Get(testContext(t), "missing"); !errors.Is(err, api.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestStartUnknownFlow(t *testing.T) {
	eng := newTestEngine(t, Options{})

	_, err := eng.Start(testContext(t), "nope", nil, api.StartOptions{})
	if !errors.Is(err, api.ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
}

func TestStartAfterClose(t *testing.T) {
	eng, err := NewInMemoryEngine(Options{})
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}
	mustRegister(t, eng, linearFlow("summarize"))
	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := eng.Start(testContext(t), "summarize", nil, api.StartOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRunVariablesReachConditions(t *testing.T) {
	inv := newInvoker().on("score", reply(map[string]any{"score": 0.7}))
	eng := newTestEngine(t, Options{Invoker: inv})

	def := flow("threshold",
		[]api.Node{node("in", api.NodeInput), prompt("score", "score"), node("high", api.NodeOutput), node("low", api.NodeOutput)},
		[]api.Edge{
			edge("e1", "in", "score", api.EdgeNormal),
			{ID: "above", Source: "score", Target: "high", Type: api.EdgeConditional, Condition: `output.score >= vars.threshold`, Enabled: true},
			{ID: "below", Source: "score", Target: "low", Type: api.EdgeConditional, Condition: `output.score < vars.threshold`, Enabled: true},
		},
	)
	mustRegister(t, eng, def)

	res := runToEnd(t, eng, "threshold", nil, api.StartOptions{Variables: map[string]any{"threshold": 0.9}})
	if got := nodeStatus(t, res, "low"); got != api.NodeCompleted {
		t.Fatalf("low: expected Completed, got %s", got)
	}
	if got := nodeStatus(t, res, "high"); got != api.NodeSkipped {
		t.Fatalf("high: expected Skipped, got %s", got)
	}
}
