package api

import (
	"context"
)

// StartOptions tunes a single run.
type StartOptions struct {
	// Version selects a registered version. Empty means the latest.
	Version string

	// AssignmentKey is hashed by the variant selector. When empty, the run
	// uses the base definition unless a variant is forced.
	AssignmentKey string

	// Variables seed the run-scoped variables visible to conditions.
	Variables map[string]any

	// SkipVariants bypasses experimentation for this run.
	SkipVariants bool
}

// Handle controls a started run.
type Handle interface {
	// ID is the FlowExecution identifier.
	ID() string

	// Wait blocks until the run is terminal or ctx ends. A paused run does
	// not count as terminal.
	Wait(ctx context.Context) (*ExecutionResult, error)

	// Snapshot returns a consistent copy of the current run state.
	Snapshot() *ExecutionResult

	// Done is closed once the run is terminal.
	Done() <-chan struct{}

	// Cancel requests cooperative cancellation.
	Cancel()
}

// BatchItem is one run of Engine.RunBatch.
type BatchItem struct {
	Input   map[string]any
	Options StartOptions
}

// Engine is the high-level engine API.
type Engine interface {
	// RegisterFlow validates and registers a definition version.
	RegisterFlow(def FlowDefinition) (ValidationResult, error)

	// RegisterVariant registers an experiment variant for a base flow.
	RegisterVariant(v FlowVariant) error

	// Start begins a run and returns immediately.
	Start(ctx context.Context, flowName string, input map[string]any, opts StartOptions) (Handle, error)

	// Run starts a run and waits for it to finish or pause.
	Run(ctx context.Context, flowName string, input map[string]any, opts StartOptions) (*ExecutionResult, error)

	// Resume delivers input to a paused UserInput node.
	Resume(ctx context.Context, executionID, nodeKey string, payload map[string]any) error

	// Cancel cancels an in-flight run.
	Cancel(ctx context.Context, executionID string) error

	// Get returns the current or final state of a run.
	Get(ctx context.Context, executionID string) (*ExecutionResult, error)

	// RecordFeedback attaches user feedback to a finished run and forwards
	// quality and conversion to the variant selector.
	RecordFeedback(ctx context.Context, executionID string, fb UserFeedback) error

	// RunBatch runs every item with bounded concurrency. Results are in item
	// order and carry a BatchContext.
	RunBatch(ctx context.Context, flowName string, items []BatchItem) ([]*ExecutionResult, error)

	// Close waits for in-flight runs to finish delivering events.
	Close() error
}
