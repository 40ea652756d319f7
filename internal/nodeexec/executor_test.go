package nodeexec

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/promptflow/pkg/api"
)

type fakeInvoker struct {
	calls   atomic.Int32
	prompts []string
	mu      sync.Mutex
}

func (f *fakeInvoker) Invoke(ctx context.Context, req api.InvokeRequest) (api.InvokeResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	return api.InvokeResult{
		Output:     map[string]any{"text": "echo: " + req.Prompt, "model": req.Model},
		TokensUsed: 12,
		Cost:       0.02,
		Quality:    0.9,
		Confidence: 0.8,
	}, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, id, version string, vars map[string]any) (api.ResolvedTemplate, error) {
	return api.ResolvedTemplate{Text: id + " for " + vars["topic"].(string), Version: "v7"}, nil
}

type fakeCaller struct {
	mu   sync.Mutex
	reqs []api.ExternalRequest
}

func (f *fakeCaller) Call(ctx context.Context, req api.ExternalRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return map[string]any{"status": "ok"}, nil
}

func newExecutor(t *testing.T, opts Options) *Executor {
	t.Helper()
	x, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(x.Close)
	return x
}

func req(typ api.NodeType, cfg map[string]any, input map[string]any) Request {
	return Request{
		ExecutionID: "ex-1",
		Node:        api.Node{ID: "n1", Key: "n1", Type: typ, Config: cfg, Enabled: true},
		Input:       input,
		Attempt:     1,
	}
}

func TestPromptCall_RendersInlinePromptAndCaches(t *testing.T) {
	inv := &fakeInvoker{}
	x := newExecutor(t, Options{Invoker: inv, CacheMaxEntries: 100})

	r := req(api.NodePromptCall, map[string]any{
		"model":  "gpt-4o-mini",
		"prompt": "Summarize ${input.text}",
		"cache":  true,
	}, map[string]any{"text": "the report"})

	first, err := x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "echo: Summarize the report", first.Output["text"])
	assert.EqualValues(t, 12, first.Tokens)
	assert.False(t, first.CacheHit)

	second, err := x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Zero(t, second.Cost)
	assert.Equal(t, first.Output, second.Output)
	assert.EqualValues(t, 1, inv.calls.Load())
}

func TestPromptCall_WithoutCacheFlagAlwaysInvokes(t *testing.T) {
	inv := &fakeInvoker{}
	x := newExecutor(t, Options{Invoker: inv, CacheMaxEntries: 100})
	r := req(api.NodePromptCall, map[string]any{"prompt": "hi"}, nil)

	for i := 0; i < 3; i++ {
		_, err := x.Execute(context.Background(), r)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, inv.calls.Load())
}

func TestTemplateCall_RecordsResolvedVersion(t *testing.T) {
	inv := &fakeInvoker{}
	x := newExecutor(t, Options{Invoker: inv, Templates: fakeResolver{}})

	r := req(api.NodeTemplateCall, nil, map[string]any{"topic": "go"})
	r.Node.Template = &api.TemplateRef{ID: "blog-intro", Version: "latest"}

	res, err := x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "v7", res.TemplateVersion)
	assert.Equal(t, []string{"blog-intro for go"}, inv.prompts)
}

func TestMissingCapabilitiesArePermanent(t *testing.T) {
	x := newExecutor(t, Options{})

	_, err := x.Execute(context.Background(), req(api.NodePromptCall, map[string]any{"prompt": "x"}, nil))
	require.ErrorIs(t, err, ErrNoInvoker)
	assert.False(t, api.IsTransient(err))

	r := req(api.NodeTemplateCall, nil, nil)
	r.Node.Template = &api.TemplateRef{ID: "t"}
	_, err = x.Execute(context.Background(), r)
	require.ErrorIs(t, err, ErrNoResolver)

	_, err = x.Execute(context.Background(), req(api.NodeExternalCall, map[string]any{"endpoint": "crm"}, nil))
	require.ErrorIs(t, err, ErrNoCaller)
}

func TestPanicIsRecoveredWithStack(t *testing.T) {
	x := newExecutor(t, Options{})
	x.Register(api.NodeTransform, HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		panic("kaboom")
	}))

	_, err := x.Execute(context.Background(), req(api.NodeTransform, nil, nil))
	require.Error(t, err)
	assert.False(t, api.IsTransient(err))
	assert.Contains(t, err.Error(), "kaboom")
	assert.Contains(t, StackTrace(err), "executor_test.go")
}

func TestInput_DefaultsAndRequired(t *testing.T) {
	x := newExecutor(t, Options{})
	cfg := map[string]any{
		"required": []any{"question"},
		"defaults": map[string]any{"lang": "en", "question": "ignored"},
	}

	res, err := x.Execute(context.Background(), req(api.NodeInput, cfg, map[string]any{"question": "why?"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"question": "why?", "lang": "en"}, res.Output)

	cfg["defaults"] = map[string]any{}
	_, err = x.Execute(context.Background(), req(api.NodeInput, cfg, map[string]any{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question")
}

func TestVariable_AssignsFromExpressions(t *testing.T) {
	x := newExecutor(t, Options{})
	r := req(api.NodeVariable, map[string]any{
		"set":    map[string]any{"tier": `input.score > 10 ? "gold" : "basic"`},
		"values": map[string]any{"region": "eu"},
	}, map[string]any{"score": 42})

	res, err := x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "gold", "region": "eu"}, res.Vars)
}

func TestTransform_Modes(t *testing.T) {
	x := newExecutor(t, Options{})
	in := map[string]any{"first": "Ada", "n": 2}

	res, err := x.Execute(context.Background(), req(api.NodeTransform,
		map[string]any{"expression": `{ greeting = "hi ${input.first}" }`}, in))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi Ada"}, res.Output)

	res, err = x.Execute(context.Background(), req(api.NodeTransform,
		map[string]any{"fields": map[string]any{"double": "input.n * 2"}}, in))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"double": int64(4)}, res.Output)

	res, err = x.Execute(context.Background(), req(api.NodeTransform,
		map[string]any{"expression": "input.n + 1"}, in))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": int64(3)}, res.Output)

	res, err = x.Execute(context.Background(), req(api.NodeTransform,
		map[string]any{"template": "${input.first}!"}, in))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "Ada!"}, res.Output)
}

func TestLoop_ContinueHonoursBound(t *testing.T) {
	x := newExecutor(t, Options{})
	r := req(api.NodeLoop, map[string]any{"while": `input.done != true`}, map[string]any{"done": false})
	r.Node.MaxIterations = 2

	res, err := x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, res.Continue)

	r.Iteration = 2
	res, err = x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, res.Continue)
	assert.Equal(t, false, res.Output["continue"])

	r.Iteration = 0
	r.Input = map[string]any{"done": true}
	res, err = x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, res.Continue)
}

func TestValidation_FlagsOrFails(t *testing.T) {
	x := newExecutor(t, Options{})
	rules := map[string]any{"email": "required,email", "name": "required"}
	in := map[string]any{"email": "not-an-email", "name": "Ada"}

	res, err := x.Execute(context.Background(), req(api.NodeValidation, map[string]any{"rules": rules}, in))
	require.NoError(t, err)
	assert.Equal(t, false, res.Output["valid"])
	assert.Equal(t, []any{"email: failed email"}, res.Output["errors"])

	_, err = x.Execute(context.Background(), req(api.NodeValidation,
		map[string]any{"rules": rules, "strict": true}, in))
	require.Error(t, err)
	assert.False(t, api.IsTransient(err))

	in["email"] = "ada@example.com"
	res, err = x.Execute(context.Background(), req(api.NodeValidation, map[string]any{"rules": rules}, in))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["valid"])
}

func TestAggregation_MergeAndCollect(t *testing.T) {
	x := newExecutor(t, Options{})
	up := map[string]map[string]any{
		"b": {"score": 2, "tags": []any{"y"}},
		"a": {"score": 1, "tags": []any{"x"}, "only_a": true},
	}

	r := req(api.NodeAggregation, map[string]any{"append_slices": true}, nil)
	r.Upstream = up
	res, err := x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["score"])
	assert.Equal(t, true, res.Output["only_a"])
	assert.Equal(t, []any{"x", "y"}, res.Output["tags"])

	r = req(api.NodeAggregation, map[string]any{"mode": "collect"}, nil)
	r.Upstream = up
	res, err = x.Execute(context.Background(), r)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Output["count"])
	assert.Equal(t, []any{"a", "b"}, res.Output["sources"])
}

func TestErrorHandler_MarksHandled(t *testing.T) {
	x := newExecutor(t, Options{})
	res, err := x.Execute(context.Background(), req(api.NodeErrorHandler,
		map[string]any{"fallback": map[string]any{"text": "sorry"}},
		map[string]any{"error": "upstream failed"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "upstream failed", "text": "sorry", "handled": true}, res.Output)
}

func TestExternalCall_IsRateLimitedPerEndpoint(t *testing.T) {
	caller := &fakeCaller{}
	x := newExecutor(t, Options{Caller: caller, ExternalRate: 20, ExternalBurst: 1})
	r := req(api.NodeExternalCall, map[string]any{
		"endpoint": "crm",
		"body":     map[string]any{"id": "input.id"},
	}, map[string]any{"id": "c-1"})

	start := time.Now()
	for i := 0; i < 3; i++ {
		res, err := x.Execute(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Output["status"])
	}
	// burst 1 at 20/s: two waits of ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	require.Len(t, caller.reqs, 3)
	assert.Equal(t, "POST", caller.reqs[0].Method)
	assert.Equal(t, map[string]any{"id": "c-1"}, caller.reqs[0].Body)
}

func TestExternalCall_CancelledWhileWaiting(t *testing.T) {
	x := newExecutor(t, Options{Caller: &fakeCaller{}, ExternalRate: 0.1, ExternalBurst: 1})
	r := req(api.NodeExternalCall, map[string]any{"endpoint": "slow"}, nil)

	_, err := x.Execute(context.Background(), r)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = x.Execute(ctx, r)
	require.Error(t, err)
}

func TestUnknownNodeType(t *testing.T) {
	x := newExecutor(t, Options{})
	_, err := x.Execute(context.Background(), req("Mystery", nil, nil))
	require.True(t, errors.Is(err, ErrNoHandler))
}
