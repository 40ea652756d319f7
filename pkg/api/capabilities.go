package api

import "context"

// ResolvedTemplate is the content a TemplateResolver supplies for a node.
type ResolvedTemplate struct {
	Text    string
	Version string
}

// TemplateResolver supplies prompt content for PromptCall and TemplateCall
// nodes. For a fixed version it must behave as a pure function.
type TemplateResolver interface {
	Resolve(ctx context.Context, templateID, version string, vars map[string]any) (ResolvedTemplate, error)
}

// InvokeRequest is one call to an AI capability.
type InvokeRequest struct {
	Provider string
	Model    string
	Prompt   string
	Params   map[string]any
}

// InvokeResult is what an AI capability returns.
type InvokeResult struct {
	Output     map[string]any
	TokensUsed int64
	Cost       float64
	Confidence float64
	Quality    float64
}

// Invoker calls an AI provider. Failures should be classified with
// Transient or Permanent so the retry policy can act on them.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req InvokeRequest) (InvokeResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	return f(ctx, req)
}

// ExternalRequest is the call an ExternalCall node issues.
type ExternalRequest struct {
	Endpoint string
	Method   string
	Params   map[string]any
	Body     map[string]any
}

// ExternalCaller runs ExternalCall nodes.
type ExternalCaller interface {
	Call(ctx context.Context, req ExternalRequest) (map[string]any, error)
}

// ExternalCallerFunc adapts a function to ExternalCaller.
type ExternalCallerFunc func(ctx context.Context, req ExternalRequest) (map[string]any, error)

func (f ExternalCallerFunc) Call(ctx context.Context, req ExternalRequest) (map[string]any, error) {
	return f(ctx, req)
}

// TemplateResolverFunc adapts a function to TemplateResolver.
type TemplateResolverFunc func(ctx context.Context, templateID, version string, vars map[string]any) (ResolvedTemplate, error)

func (f TemplateResolverFunc) Resolve(ctx context.Context, templateID, version string, vars map[string]any) (ResolvedTemplate, error) {
	return f(ctx, templateID, version, vars)
}

// Sink is the append-only writer for execution records. The engine writes
// NodeExecutions once terminal and EdgeTraversals once created, and never
// reads its own writes back during a run.
type Sink interface {
	WriteFlowExecution(ctx context.Context, exec *FlowExecution) error
	WriteNodeExecution(ctx context.Context, node *NodeExecution) error
	WriteEdgeTraversal(ctx context.Context, tr *EdgeTraversal) error
}

// Reader is the read side used by reporting collaborators after a run.
type Reader interface {
	GetFlowExecution(ctx context.Context, id string) (*FlowExecution, error)
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)
	ListEdgeTraversals(ctx context.Context, executionID string) ([]EdgeTraversal, error)
}

// NoopSink discards every record.
type NoopSink struct{}

func (NoopSink) WriteFlowExecution(ctx context.Context, exec *FlowExecution) error { return nil }
func (NoopSink) WriteNodeExecution(ctx context.Context, node *NodeExecution) error { return nil }
func (NoopSink) WriteEdgeTraversal(ctx context.Context, tr *EdgeTraversal) error   { return nil }

// ExperimentSource is the read-only feed of variants for a base flow.
type ExperimentSource interface {
	ActiveVariants(ctx context.Context, flowName string) ([]FlowVariant, error)
}
