package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

func node(key string, typ api.NodeType) api.Node {
	return api.Node{ID: key, Key: key, Type: typ, Enabled: true, AllowParallelExecution: true}
}

func prompt(key, model string) api.Node {
	n := node(key, api.NodePromptCall)
	n.Config = map[string]any{"model": model, "prompt": "Summarize the request"}
	return n
}

func edge(id, src, dst string, typ api.EdgeType) api.Edge {
	return api.Edge{ID: id, Source: src, Target: dst, Type: typ, Enabled: true}
}

func flow(name string, nodes []api.Node, edges []api.Edge) api.FlowDefinition {
	return api.FlowDefinition{ID: name, Name: name, Version: "1", Nodes: nodes, Edges: edges}
}

// linearFlow is Input -> PromptCall -> Output.
func linearFlow(name string) api.FlowDefinition {
	return flow(name,
		[]api.Node{node("in", api.NodeInput), prompt("summarize", "echo"), node("out", api.NodeOutput)},
		[]api.Edge{
			edge("e1", "in", "summarize", api.EdgeNormal),
			edge("e2", "summarize", "out", api.EdgeNormal),
		},
	)
}

// invokerFunc answers one model.
type invokerFunc func(ctx context.Context, req api.InvokeRequest, call int) (api.InvokeResult, error)

// scriptedInvoker dispatches on InvokeRequest.Model and counts calls.
type scriptedInvoker struct {
	mu     sync.Mutex
	models map[string]invokerFunc
	calls  map[string]int
}

func newInvoker() *scriptedInvoker {
	return &scriptedInvoker{models: make(map[string]invokerFunc), calls: make(map[string]int)}
}

func (s *scriptedInvoker) on(model string, fn invokerFunc) *scriptedInvoker {
	s.mu.Lock()
	s.models[model] = fn
	s.mu.Unlock()
	return s
}

func (s *scriptedInvoker) Calls(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model]
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req api.InvokeRequest) (api.InvokeResult, error) {
	s.mu.Lock()
	s.calls[req.Model]++
	call := s.calls[req.Model]
	fn := s.models[req.Model]
	s.mu.Unlock()

	if fn == nil {
		return api.InvokeResult{
			Output:     map[string]any{"text": req.Prompt},
			TokensUsed: 10,
			Cost:       0.5,
		}, nil
	}
	return fn(ctx, req, call)
}

func reply(out map[string]any) invokerFunc {
	return func(context.Context, api.InvokeRequest, int) (api.InvokeResult, error) {
		return api.InvokeResult{Output: out, TokensUsed: 1}, nil
	}
}

func failWith(err error) invokerFunc {
	return func(context.Context, api.InvokeRequest, int) (api.InvokeResult, error) {
		return api.InvokeResult{}, err
	}
}

// blockUntilDone waits for ctx and reports its error.
func blockUntilDone(ctx context.Context, _ api.InvokeRequest, _ int) (api.InvokeResult, error) {
	<-ctx.Done()
	return api.InvokeResult{}, ctx.Err()
}

var errRateLimited = errors.New("rate limited")

func newTestEngine(t *testing.T, opts Options) api.Engine {
	t.Helper()
	eng, err := NewInMemoryEngine(opts)
	if err != nil {
		t.Fatalf("NewInMemoryEngine failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func mustRegister(t *testing.T, eng api.Engine, def api.FlowDefinition) {
	t.Helper()
	if _, err := eng.RegisterFlow(def); err != nil {
		t.Fatalf("RegisterFlow(%s) failed: %v", def.Name, err)
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// runToEnd starts a run and waits until it is terminal.
func runToEnd(t *testing.T, eng api.Engine, name string, input map[string]any, opts api.StartOptions) *api.ExecutionResult {
	t.Helper()
	ctx := testContext(t)
	h, err := eng.Start(ctx, name, input, opts)
	if err != nil {
		t.Fatalf("Start(%s) failed: %v", name, err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return res
}

func nodeStatus(t *testing.T, res *api.ExecutionResult, key string) api.NodeStatus {
	t.Helper()
	ne := res.Node(key)
	if ne == nil {
		t.Fatalf("no execution recorded for node %q", key)
	}
	return ne.Status
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func rating(v float64) *float64 { return &v }
