package promptflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/promptflow/internal/taskqueue"
	"github.com/petrijr/promptflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a Worker
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner, _ := promptflow.NewLocalRunner(promptflow.Options{Invoker: inv})
//	flow := promptflow.New("my-flow").Input("in")...
//	flow.MustRegister(runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	res, err := promptflow.Run(ctx, runner.Engine, flow.Name(), input)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	_, _ = runner.StartFlowAsync(ctx, flow.Name(), input)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	eng, err := NewInMemoryEngine(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := taskqueue.NewInMemoryQueue(1024)
	w := worker.NewWithConfig(eng, q, worker.Config{Logger: logger})

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
		logger: logger,
	}, nil
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("promptflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					// Keep going so a single bad task doesn't kill the
					// worker loop.
					if !processed {
						r.logger.Warn("local_runner_dequeue_failed", slog.Any("error", err))
					}
					continue
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Close stops the workers and closes the engine.
func (r *LocalRunner) Close() error {
	r.Stop()
	return r.Engine.Close()
}

// StartFlowAsync enqueues a task to start the given flow asynchronously and
// returns the task ID. The flow must already be registered on
// LocalRunner.Engine.
func (r *LocalRunner) StartFlowAsync(ctx context.Context, flowName string, input map[string]any) (string, error) {
	return r.Worker.EnqueueStartFlow(ctx, flowName, input, StartOptions{})
}

// ResumeAsync enqueues a task that resumes a paused node of a run.
func (r *LocalRunner) ResumeAsync(ctx context.Context, executionID, nodeKey string, payload map[string]any) (string, error) {
	return r.Worker.EnqueueResume(ctx, executionID, nodeKey, payload)
}
