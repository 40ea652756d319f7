package api

import "time"

// EventType identifies a flow history event.
type EventType string

const (
	EventFlowStarted   EventType = "flow.started"
	EventFlowPaused    EventType = "flow.paused"
	EventFlowResumed   EventType = "flow.resumed"
	EventFlowCompleted EventType = "flow.completed"
	EventFlowFailed    EventType = "flow.failed"

	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"

	EventEdgeFired EventType = "edge.fired"
)

// FlowEvent is a minimal append-only history record for audit/debugging.
// It is intentionally small and stable; full records go to the Sink.
type FlowEvent struct {
	ExecutionID string
	At          time.Time
	Type        EventType

	// Optional context.
	FlowName    string
	FlowVersion string
	NodeKey     string

	// Small, human-oriented details (e.g. edge id, error string).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}
