package promptflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// Ensure negative retry counts are normalized to 0.
func TestRetry_NegativeMaxRetriesDefaultsToZero(t *testing.T) {
	if n := Retry(-5).MaxRetries(); n != 0 {
		t.Fatalf("expected MaxRetries=0 for Retry(-5), got %d", n)
	}
}

// Ensure WithExponentialBackoff wires fields correctly and default multiplier is applied.
func TestRetry_WithExponentialBackoff_UsesDefaults(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 2 * time.Second

	// multiplier <= 0 should default to 2.0
	r := Retry(3).WithExponentialBackoff(initial, 0, max)
	p := r.Policy()

	if r.MaxRetries() != 3 {
		t.Fatalf("expected MaxRetries=3, got %d", r.MaxRetries())
	}
	if p.InitialBackoff != initial {
		t.Fatalf("expected InitialBackoff=%v, got %v", initial, p.InitialBackoff)
	}
	if p.MaxBackoff != max {
		t.Fatalf("expected MaxBackoff=%v, got %v", max, p.MaxBackoff)
	}
	if p.BackoffMultiplier != 2.0 {
		t.Fatalf("expected BackoffMultiplier=2.0, got %v", p.BackoffMultiplier)
	}
}

func TestRetry_WithConstantBackoff(t *testing.T) {
	p := Retry(1).WithConstantBackoff(50 * time.Millisecond).Policy()
	if p.InitialBackoff != 50*time.Millisecond || p.BackoffMultiplier != 1.0 || p.MaxBackoff != 0 {
		t.Fatalf("unexpected constant policy %+v", p)
	}
}

func TestRetry_WithoutBackoffLeavesEngineDefaults(t *testing.T) {
	def := New("f").Input("in", "x").Node("n", api.NodeTransform, WithRetry(Retry(2))).Definition()
	n, _ := def.NodeByKey("n")
	if n.MaxRetries != 2 {
		t.Fatalf("expected MaxRetries=2, got %d", n.MaxRetries)
	}
	if n.Retry != nil {
		t.Fatalf("expected no node backoff, got %+v", n.Retry)
	}
}

// A node configured with Retry(2) recovers from two transient failures.
func TestRetry_NodeRecoversFromTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := InvokerFunc(func(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
		if calls.Add(1) <= 2 {
			return InvokeResult{}, api.Transient(errors.New("rate limited"))
		}
		return InvokeResult{Output: map[string]any{"text": "ok"}}, nil
	})
	eng := newEngine(t, Options{Invoker: flaky})

	New("flaky").
		Input("in").
		Prompt("call", "m", "hello", WithRetry(Retry(2).WithConstantBackoff(time.Millisecond))).
		Output("out").
		Connect("in", "call").
		Connect("call", "out").
		MustRegister(eng)

	res, err := Run(testContext(t), eng, "flaky", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Execution.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s (%s)", res.Execution.Status, res.Execution.ErrorMessage)
	}
	if got := res.Node("call").RetryCount; got != 2 {
		t.Fatalf("expected RetryCount=2, got %d", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 invocations, got %d", calls.Load())
	}
}

func TestRetry_ExhaustedRetriesFailTheRun(t *testing.T) {
	failing := InvokerFunc(func(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
		return InvokeResult{}, api.Transient(errors.New("unavailable"))
	})
	eng := newEngine(t, Options{Invoker: failing})

	New("exhausted").
		Input("in").
		Prompt("call", "m", "hello", WithRetry(Retry(1).WithConstantBackoff(time.Millisecond))).
		Connect("in", "call").
		MustRegister(eng)

	res, err := Run(testContext(t), eng, "exhausted", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Execution.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", res.Execution.Status)
	}
}
