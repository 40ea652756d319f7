package api

import (
	"time"
)

// FlowStatus is the lifecycle state of a FlowExecution.
type FlowStatus string

const (
	FlowPending            FlowStatus = "Pending"
	FlowRunning            FlowStatus = "Running"
	FlowCompleted          FlowStatus = "Completed"
	FlowFailed             FlowStatus = "Failed"
	FlowCancelled          FlowStatus = "Cancelled"
	FlowTimedOut           FlowStatus = "TimedOut"
	FlowPartiallyCompleted FlowStatus = "PartiallyCompleted"
)

// Terminal reports whether no further transition can occur.
func (s FlowStatus) Terminal() bool {
	switch s {
	case FlowCompleted, FlowFailed, FlowCancelled, FlowTimedOut, FlowPartiallyCompleted:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of a NodeExecution.
type NodeStatus string

const (
	NodePending   NodeStatus = "Pending"
	NodeRunning   NodeStatus = "Running"
	NodeCompleted NodeStatus = "Completed"
	NodeFailed    NodeStatus = "Failed"
	NodeCancelled NodeStatus = "Cancelled"
	NodeTimedOut  NodeStatus = "TimedOut"
	NodeRetrying  NodeStatus = "Retrying"
	NodePaused    NodeStatus = "Paused"
	NodeSkipped   NodeStatus = "Skipped"
)

// Terminal reports whether no further transition can occur.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeTimedOut, NodeSkipped:
		return true
	}
	return false
}

// UserFeedback is optional post-run feedback attached to a FlowExecution.
// A nil Rating leaves the quality average of the variant untouched.
type UserFeedback struct {
	Rating    *float64  `json:"rating,omitempty"`
	Converted bool      `json:"converted"`
	Comment   string    `json:"comment,omitempty"`
	At        time.Time `json:"at"`
}

// FlowExecution is one run of a FlowDefinition version.
type FlowExecution struct {
	ID          string `json:"id"`
	FlowID      string `json:"flow_id"`
	FlowName    string `json:"flow_name"`
	FlowVersion string `json:"flow_version"`

	Status FlowStatus `json:"status"`

	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`

	TotalCost   float64       `json:"total_cost"`
	TotalTokens int64         `json:"total_tokens"`
	Duration    time.Duration `json:"duration"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	VariantID     string `json:"variant_id,omitempty"`
	ExperimentKey string `json:"experiment_key,omitempty"`

	Feedback     *UserFeedback `json:"feedback,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`

	// Paused is set while the run waits on a UserInput node.
	Paused bool `json:"paused,omitempty"`
}

// Clone returns a deep copy of e.
func (e *FlowExecution) Clone() *FlowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Input = CloneDocument(e.Input)
	c.Output = CloneDocument(e.Output)
	c.Variables = CloneDocument(e.Variables)
	if e.Feedback != nil {
		fb := *e.Feedback
		c.Feedback = &fb
	}
	return &c
}

// DebugEntry is one line of diagnostic history on a NodeExecution.
type DebugEntry struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
}

// NodeExecution is one invocation of a node within a FlowExecution.
type NodeExecution struct {
	ID          string   `json:"id"`
	ExecutionID string   `json:"execution_id"`
	NodeID      string   `json:"node_id"`
	NodeKey     string   `json:"node_key"`
	NodeType    NodeType `json:"node_type"`

	ExecutionOrder int       `json:"execution_order"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`

	Status NodeStatus `json:"status"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	ErrorMessage    string       `json:"error_message,omitempty"`
	ErrorStackTrace string       `json:"error_stack_trace,omitempty"`
	DebugInfo       []DebugEntry `json:"debug_info,omitempty"`
	RetryCount      int          `json:"retry_count"`

	Cost       float64 `json:"cost,omitempty"`
	Tokens     int64   `json:"tokens,omitempty"`
	Quality    float64 `json:"quality,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	CacheHit   bool    `json:"cache_hit,omitempty"`

	TriggeredBy     string `json:"triggered_by,omitempty"`
	TemplateVersion string `json:"template_version,omitempty"`
	Iteration       int    `json:"iteration,omitempty"`
}

// Duration returns the wall time between start and completion.
func (n *NodeExecution) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.CompletedAt.IsZero() {
		return 0
	}
	return n.CompletedAt.Sub(n.StartedAt)
}

// Clone returns a deep copy of n.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	c := *n
	c.Input = CloneDocument(n.Input)
	c.Output = CloneDocument(n.Output)
	c.DebugInfo = append([]DebugEntry(nil), n.DebugInfo...)
	return &c
}

// EdgeTraversal records the evaluation of one outgoing edge.
type EdgeTraversal struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	Sequence        int64          `json:"sequence"`
	NodeExecutionID string         `json:"node_execution_id"`
	EdgeID          string         `json:"edge_id"`
	ConditionResult *bool          `json:"condition_result,omitempty"`
	Fires           bool           `json:"fires"`
	Reason          string         `json:"reason"`
	Payload         map[string]any `json:"payload,omitempty"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	At              time.Time      `json:"at"`
}

// ResultKind tags an ExecutionResult.
type ResultKind string

const (
	ResultIndividual ResultKind = "individual"
	ResultBatch      ResultKind = "batch"
)

// BatchContext locates a run inside a batch.
type BatchContext struct {
	BatchID string `json:"batch_id"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
}

// ExecutionResult is the full record of a finished run. Batch is set when the
// run was part of Engine.RunBatch.
type ExecutionResult struct {
	Execution  *FlowExecution   `json:"execution"`
	Nodes      []*NodeExecution `json:"nodes"`
	Traversals []EdgeTraversal  `json:"traversals"`
	Batch      *BatchContext    `json:"batch,omitempty"`
}

// Kind reports whether r belongs to a batch.
func (r *ExecutionResult) Kind() ResultKind {
	if r.Batch != nil {
		return ResultBatch
	}
	return ResultIndividual
}

// Node returns the latest NodeExecution for the given node key.
func (r *ExecutionResult) Node(key string) *NodeExecution {
	var found *NodeExecution
	for _, n := range r.Nodes {
		if n.NodeKey == key {
			found = n
		}
	}
	return found
}

// NodesByKey returns every NodeExecution for key in execution order.
func (r *ExecutionResult) NodesByKey(key string) []*NodeExecution {
	var out []*NodeExecution
	for _, n := range r.Nodes {
		if n.NodeKey == key {
			out = append(out, n)
		}
	}
	return out
}

// TraversalsFrom returns the traversals triggered by a NodeExecution.
func (r *ExecutionResult) TraversalsFrom(nodeExecutionID string) []EdgeTraversal {
	var out []EdgeTraversal
	for _, t := range r.Traversals {
		if t.NodeExecutionID == nodeExecutionID {
			out = append(out, t)
		}
	}
	return out
}

// Traversal returns the last traversal of the given edge.
func (r *ExecutionResult) Traversal(edgeID string) (EdgeTraversal, bool) {
	var (
		found EdgeTraversal
		ok    bool
	)
	for _, t := range r.Traversals {
		if t.EdgeID == edgeID {
			found, ok = t, true
		}
	}
	return found, ok
}

// CloneDocument deep-copies a structured document. Nested maps and slices
// are copied; leaf values are shared.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
