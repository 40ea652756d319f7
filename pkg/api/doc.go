// Package api contains the types shared by the promptflow engine and its
// integrations: flow definitions, execution records, capabilities, errors
// and observers.
//
// Most users interact with the higher-level promptflow package, which
// re-exports the common types from here and adds FlowBuilder and the engine
// constructors. The api package is meant for storage backends, custom
// invokers and contributors extending the engine itself.
//
// # Flow Definitions
//
// A FlowDefinition is a named, versioned graph. Nodes carry a type
// (PromptCall, Transform, Loop, UserInput and so on), a free-form Config and
// optional retry and timeout settings. Edges carry a type, an optional
// condition written in HCL expression syntax, a priority and a default
// flag. ComputeHash returns a stable digest of the graph that validation
// compares against the stored Hash.
//
// Definitions are validated when they are registered. A ValidationResult
// lists every finding with a severity and a code such as
// CodeMissingEndpoint or CodeCycle, so callers can report all problems at
// once.
//
// # Executions
//
// Every run produces a FlowExecution, one NodeExecution per node attempt and
// one EdgeTraversal per evaluated outgoing edge. ExecutionResult bundles
// them. FlowStatus and NodeStatus report Terminal for finished states.
//
// # Capabilities
//
// The engine never talks to a model provider directly. PromptCall nodes go
// through an Invoker, TemplateCall nodes resolve through a
// TemplateResolver and ExternalCall nodes go through an ExternalCaller.
// InvokerFunc and ExternalCallerFunc adapt plain functions.
//
// # Errors
//
// Capabilities classify failures with Transient and Permanent. Only
// transient errors are retried. ValidationError, ConditionError and
// TimeoutError describe the remaining failure kinds.
//
// # Observability
//
// The Observer interface reports flow, node and edge lifecycle events.
// NoopObserver, LoggingObserver (log/slog), BasicMetrics and AsyncObserver
// are provided here; NewCompositeObserver fans events out to several
// observers.
package api
