package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/promptflow/internal/retry"
	"github.com/petrijr/promptflow/internal/taskqueue"
	"github.com/petrijr/promptflow/pkg/api"
)

// ErrFlowFailed reports a start-flow task whose run ended Failed or
// TimedOut.
var ErrFlowFailed = errors.New("flow run did not complete")

// Config tunes task redelivery. Zero values keep a single attempt.
type Config struct {
	// MaxAttempts bounds deliveries of one task, the first included.
	MaxAttempts int
	// Backoff is the delay before the second attempt; later delays double.
	Backoff time.Duration
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a Worker that gives every task a single attempt.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker that re-enqueues failed tasks per cfg.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: engine, queue: queue, cfg: cfg, logger: logger}
}

func (w *Worker) enqueue(ctx context.Context, t taskqueue.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.EnqueuedAt = time.Now()
	if err := w.queue.Enqueue(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	return t.ID, nil
}

// EnqueueStartFlow enqueues a task to start a flow asynchronously and
// returns the task ID. It does NOT run the flow itself; that is done by
// ProcessOne.
func (w *Worker) EnqueueStartFlow(ctx context.Context, flowName string, input map[string]any, opts api.StartOptions) (string, error) {
	return w.EnqueueStartFlowAt(ctx, flowName, input, opts, time.Time{})
}

// EnqueueStartFlowAt enqueues a start-flow task that becomes eligible at
// at. A zero time means immediately.
func (w *Worker) EnqueueStartFlowAt(ctx context.Context, flowName string, input map[string]any, opts api.StartOptions, at time.Time) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:      taskqueue.TaskTypeStartFlow,
		FlowName:  flowName,
		Options:   opts,
		Input:     input,
		NotBefore: at,
	})
}

// EnqueueResume enqueues a task that resumes the paused node nodeKey of
// an execution with payload.
func (w *Worker) EnqueueResume(ctx context.Context, executionID, nodeKey string, payload map[string]any) (string, error) {
	return w.EnqueueResumeAt(ctx, executionID, nodeKey, payload, time.Time{})
}

// EnqueueResumeAt is EnqueueResume delivered no earlier than at.
func (w *Worker) EnqueueResumeAt(ctx context.Context, executionID, nodeKey string, payload map[string]any, at time.Time) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:        taskqueue.TaskTypeResumeNode,
		ExecutionID: executionID,
		NodeKey:     nodeKey,
		Input:       payload,
		NotBefore:   at,
	})
}

// EnqueueCancelAt enqueues a task that cancels an execution no earlier
// than at. It is how deadlines outside the engine are scheduled.
func (w *Worker) EnqueueCancelAt(ctx context.Context, executionID string, at time.Time) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{
		Type:        taskqueue.TaskTypeCancelFlow,
		ExecutionID: executionID,
		NotBefore:   at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx ended or the queue failed).
//   - processed == true: a task was processed; err indicates whether the handler succeeded.
//
// A failed task with attempts left is re-enqueued with backoff; err still
// reports the failure of this attempt.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	err = w.handle(ctx, task)
	if err == nil {
		return true, nil
	}
	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.Int("attempt", task.Attempts+1),
	)
	if retryable(err) && task.Attempts+1 < w.cfg.MaxAttempts {
		next := *task
		next.Attempts++
		next.NotBefore = time.Now().Add(w.delay(next.Attempts))
		if qerr := w.queue.Enqueue(ctx, next); qerr != nil {
			log.Error("task_requeue_failed", slog.Any("error", qerr))
			return true, errors.Join(err, qerr)
		}
		log.Warn("task_retry_scheduled", slog.Time("not_before", next.NotBefore), slog.Any("error", err))
		return true, err
	}
	log.Error("task_failed", slog.Any("error", err))
	return true, err
}

// Run processes tasks until ctx ends. Task failures are logged, not
// returned.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !processed && err != nil {
			return err
		}
	}
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeStartFlow:
		res, err := w.engine.Run(ctx, task.FlowName, task.Input, task.Options)
		if err != nil {
			return err
		}
		switch res.Execution.Status {
		case api.FlowFailed, api.FlowTimedOut:
			return fmt.Errorf("execution %s ended %s: %w", res.Execution.ID, res.Execution.Status, ErrFlowFailed)
		}
		return nil

	case taskqueue.TaskTypeResumeNode:
		return w.engine.Resume(ctx, task.ExecutionID, task.NodeKey, task.Input)

	case taskqueue.TaskTypeCancelFlow:
		err := w.engine.Cancel(ctx, task.ExecutionID)
		// The run got there first.
		if errors.Is(err, api.ErrExecutionFinished) {
			return nil
		}
		return err

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return errors.New("unknown task type: " + string(task.Type))
	}
}

// delay returns the wait before delivery number attempt+1.
func (w *Worker) delay(attempt int) time.Duration {
	p := retry.Policy{
		MaxRetries:     attempt,
		InitialBackoff: w.cfg.Backoff,
		MaxBackoff:     w.cfg.MaxBackoff,
	}
	d := p.Delays()
	return d[len(d)-1]
}

// retryable reports whether another delivery could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, api.ErrFlowNotFound),
		errors.Is(err, api.ErrExecutionNotFound),
		errors.Is(err, api.ErrExecutionFinished),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
