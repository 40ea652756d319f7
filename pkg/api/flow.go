package api

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/petrijr/promptflow/internal/xjson"
)

// NodeType identifies the capability a node invokes.
type NodeType string

const (
	NodeInput        NodeType = "Input"
	NodePromptCall   NodeType = "PromptCall"
	NodeVariable     NodeType = "Variable"
	NodeConditional  NodeType = "Conditional"
	NodeTransform    NodeType = "Transform"
	NodeOutput       NodeType = "Output"
	NodeTemplateCall NodeType = "TemplateCall"
	NodeLoop         NodeType = "Loop"
	NodeParallel     NodeType = "Parallel"
	NodeExternalCall NodeType = "ExternalCall"
	NodeValidation   NodeType = "Validation"
	NodeAggregation  NodeType = "Aggregation"
	NodeErrorHandler NodeType = "ErrorHandler"
	NodeUserInput    NodeType = "UserInput"
)

// NodeTypes lists every known node type in declaration order.
var NodeTypes = []NodeType{
	NodeInput, NodePromptCall, NodeVariable, NodeConditional, NodeTransform,
	NodeOutput, NodeTemplateCall, NodeLoop, NodeParallel, NodeExternalCall,
	NodeValidation, NodeAggregation, NodeErrorHandler, NodeUserInput,
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	for _, k := range NodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// EdgeType identifies how an edge is routed.
type EdgeType string

const (
	EdgeNormal       EdgeType = "Normal"
	EdgeConditional  EdgeType = "Conditional"
	EdgeLoop         EdgeType = "Loop"
	EdgeErrorHandler EdgeType = "ErrorHandler"
	EdgeParallel     EdgeType = "Parallel"
	EdgeSynchronize  EdgeType = "Synchronize"
	EdgeEvent        EdgeType = "Event"
	EdgeTimeout      EdgeType = "Timeout"
)

// EdgeTypes lists every known edge type.
var EdgeTypes = []EdgeType{
	EdgeNormal, EdgeConditional, EdgeLoop, EdgeErrorHandler,
	EdgeParallel, EdgeSynchronize, EdgeEvent, EdgeTimeout,
}

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	for _, k := range EdgeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Port names with engine-defined meaning.
const (
	// PortBody marks the outgoing edges of a Loop node that run the loop body.
	PortBody = "body"
)

// Priority bounds for nodes. Zero is normalized to DefaultPriority.
const (
	HighestPriority = 1
	LowestPriority  = 10
	DefaultPriority = 5
)

// TemplateRef binds a node to a versioned prompt template.
type TemplateRef struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// RetryPolicy shapes the backoff between node retries. The number of retries
// is governed by Node.MaxRetries.
type RetryPolicy struct {
	InitialBackoff    time.Duration `json:"initial_backoff,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty"`
	MaxBackoff        time.Duration `json:"max_backoff,omitempty"`
}

// Node is one processing step of a flow.
type Node struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Type   NodeType       `json:"type"`
	Config map[string]any `json:"config,omitempty"`

	Template *TemplateRef `json:"template,omitempty"`

	TimeoutSeconds         int  `json:"timeout_seconds,omitempty"`
	MaxRetries             int  `json:"max_retries,omitempty"`
	AllowParallelExecution bool `json:"allow_parallel_execution"`
	Priority               int  `json:"priority,omitempty"`
	Enabled                bool `json:"enabled"`

	// MaxIterations bounds how often a Loop edge may re-enter this node.
	MaxIterations int `json:"max_iterations,omitempty"`

	Retry *RetryPolicy `json:"retry,omitempty"`
}

// EffectivePriority returns Priority clamped to [HighestPriority, LowestPriority].
func (n Node) EffectivePriority() int {
	switch {
	case n.Priority <= 0:
		return DefaultPriority
	case n.Priority > LowestPriority:
		return LowestPriority
	default:
		return n.Priority
	}
}

// Timeout returns the per-attempt timeout or zero when none is configured.
func (n Node) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Edge is a routing rule between two nodes.
type Edge struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	SourcePort string   `json:"source_port,omitempty"`
	TargetPort string   `json:"target_port,omitempty"`
	Type       EdgeType `json:"type"`
	Condition  string   `json:"condition,omitempty"`
	IsDefault  bool     `json:"is_default,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	Enabled    bool     `json:"enabled"`
}

// FlowDefinition is a named, versioned graph of nodes and edges.
type FlowDefinition struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// Hash is the stored consistency hash. Validation warns when it differs
	// from ComputeHash.
	Hash string `json:"hash,omitempty"`

	// TimeoutSeconds is the wall-clock ceiling for a whole run. Zero means
	// no flow-level ceiling.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ComputeHash returns the SHA-256 over the canonical JSON of the nodes and
// edges. Map keys are sorted by the encoder, so the hash is stable.
func (d FlowDefinition) ComputeHash() string {
	payload := struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Nodes   []Node `json:"nodes"`
		Edges   []Edge `json:"edges"`
	}{d.Name, d.Version, d.Nodes, d.Edges}

	b, err := xjson.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WithHash returns a copy of d with Hash set to ComputeHash.
func (d FlowDefinition) WithHash() FlowDefinition {
	d.Hash = d.ComputeHash()
	return d
}

// NodeByKey returns the node with the given key.
func (d FlowDefinition) NodeByKey(key string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.Key == key {
			return n, true
		}
	}
	return Node{}, false
}

// ValidationStatus summarizes a ValidationResult.
type ValidationStatus string

const (
	StatusValid   ValidationStatus = "Valid"
	StatusWarning ValidationStatus = "Warning"
	StatusError   ValidationStatus = "Error"
)

// Severity of a single validation message.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Validation message codes.
const (
	CodeMissingEndpoint  = "MissingEndpoint"
	CodeDuplicateNode    = "DuplicateNode"
	CodeDuplicateKey     = "DuplicateKey"
	CodeDuplicateEdge    = "DuplicateEdge"
	CodeUnknownNodeType  = "UnknownNodeType"
	CodeUnknownEdgeType  = "UnknownEdgeType"
	CodeNoEntryNode      = "NoEntryNode"
	CodeUnreachable      = "UnreachableNode"
	CodeCycle            = "UnintendedCycle"
	CodeUnboundedLoop    = "UnboundedLoop"
	CodeLoopWithoutCycle = "LoopWithoutCycle"
	CodeMultipleDefaults = "MultipleDefaults"
	CodeBadCondition     = "InvalidCondition"
	CodeBadExpression    = "InvalidExpression"
	CodeMissingCondition = "MissingCondition"
	CodeHashMismatch     = "HashMismatch"
	CodeDisabledNode     = "DisabledNode"
	CodeDisabledEdge     = "DisabledEdge"
	CodePriorityRange    = "PriorityOutOfRange"
	CodeEmptyFlow        = "EmptyFlow"
)

// ValidationMessage is one finding of Validate.
type ValidationMessage struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Subject  string   `json:"subject,omitempty"`
	Message  string   `json:"message"`
}

// ValidationResult is the outcome of validating a FlowDefinition.
type ValidationResult struct {
	Status   ValidationStatus    `json:"status"`
	Messages []ValidationMessage `json:"messages,omitempty"`
}

// OK reports whether the definition may be executed.
func (r ValidationResult) OK() bool {
	return r.Status != StatusError
}

// Errors returns only the error-severity messages.
func (r ValidationResult) Errors() []ValidationMessage {
	var out []ValidationMessage
	for _, m := range r.Messages {
		if m.Severity == SeverityError {
			out = append(out, m)
		}
	}
	return out
}

// Has reports whether any message carries the given code.
func (r ValidationResult) Has(code string) bool {
	for _, m := range r.Messages {
		if m.Code == code {
			return true
		}
	}
	return false
}
