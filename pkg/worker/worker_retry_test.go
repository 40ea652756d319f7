package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/promptflow/internal/engine"
	"github.com/petrijr/promptflow/internal/taskqueue"
	"github.com/petrijr/promptflow/pkg/api"
)

func TestWorker_TaskRetriesWithBackoffAndScheduling(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	var calls atomic.Int32
	flaky := api.InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (api.InvokeResult, error) {
		if calls.Add(1) < 2 {
			return api.InvokeResult{}, api.Permanent(errors.New("provider refused"))
		}
		return echo(ctx, req)
	})

	eng, err := engine.NewSQLiteEngine(db, engine.Options{Invoker: flaky})
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}

	backoff := 30 * time.Millisecond
	w := NewWithConfig(eng, queue, Config{MaxAttempts: 3, Backoff: backoff})
	mustRegister(t, eng, summarizeFlow("task-retry"))
	ctx := testContext(t)

	if _, err := w.EnqueueStartFlow(ctx, "task-retry", nil, api.StartOptions{}); err != nil {
		t.Fatalf("EnqueueStartFlow failed: %v", err)
	}

	// First attempt: the run fails and the task is rescheduled.
	processed, err := w.ProcessOne(ctx)
	if !processed || !errors.Is(err, ErrFlowFailed) {
		t.Fatalf("expected ErrFlowFailed on the first attempt, got (%v, %v)", processed, err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected the task to be re-enqueued, queue has %d", queue.Len())
	}

	// Second attempt waits for the backoff and succeeds.
	start := time.Now()
	processed, err = w.ProcessOne(ctx)
	if !processed || err != nil {
		t.Fatalf("expected the retry to succeed, got (%v, %v)", processed, err)
	}
	if waited := time.Since(start); waited < backoff/2 {
		t.Fatalf("retry was not delayed by the backoff: waited %v", waited)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 prompt calls, got %d", calls.Load())
	}
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	refuse := api.InvokerFunc(func(context.Context, api.InvokeRequest) (api.InvokeResult, error) {
		return api.InvokeResult{}, api.Permanent(errors.New("provider refused"))
	})
	eng := inMemoryEngine(t, refuse)
	mustRegister(t, eng, summarizeFlow("doomed"))

	queue := taskqueue.NewInMemoryQueue(4)
	w := NewWithConfig(eng, queue, Config{MaxAttempts: 2, Backoff: time.Millisecond})
	ctx := testContext(t)

	if _, err := w.EnqueueStartFlow(ctx, "doomed", nil, api.StartOptions{}); err != nil {
		t.Fatalf("EnqueueStartFlow failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := w.ProcessOne(ctx); !errors.Is(err, ErrFlowFailed) {
			t.Fatalf("attempt %d: expected ErrFlowFailed, got %v", i+1, err)
		}
	}
	if queue.Len() != 0 {
		t.Fatalf("expected no further attempts, queue has %d", queue.Len())
	}
}

func TestWorker_DelayDoubles(t *testing.T) {
	w := NewWithConfig(nil, nil, Config{Backoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond})
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, d := range want {
		if got := w.delay(i + 1); got != d {
			t.Fatalf("delay(%d): expected %v, got %v", i+1, d, got)
		}
	}
}
