// Package taskqueue holds deferred engine work: flows to start, paused
// nodes to resume and runs to cancel. Workers in pkg/worker drain it.
package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskTypeStartFlow  TaskType = "start-flow"
	TaskTypeResumeNode TaskType = "resume-node"
	TaskTypeCancelFlow TaskType = "cancel-flow"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	// For start-flow tasks
	FlowName string           `json:"flow_name,omitempty"`
	Options  api.StartOptions `json:"options"`

	// For resume-node and cancel-flow tasks
	ExecutionID string `json:"execution_id,omitempty"`
	NodeKey     string `json:"node_key,omitempty"`

	// Input is the flow input for start-flow and the resume payload for
	// resume-node.
	Input map[string]any `json:"input,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `json:"not_before"`

	// Attempts counts earlier deliveries of the task.
	Attempts int `json:"attempts"`
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
