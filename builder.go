package promptflow

import (
	"fmt"
	"math"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows:
//
//	flow := promptflow.New("summarize").
//	    Input("in").
//	    Prompt("draft", "gpt-4o-mini", "Summarize ${input.text}",
//	        promptflow.WithRetry(promptflow.Retry(2))).
//	    Output("out").
//	    Connect("in", "draft").
//	    Connect("draft", "out")
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := promptflow.Run(ctx, engine, flow.Name(), input)
//
// Node keys double as node IDs, so edges refer to nodes by key.
type FlowBuilder struct {
	def   api.FlowDefinition
	edges int
}

// NodeOption adjusts a node added by FlowBuilder.
type NodeOption func(*Node)

// EdgeOption adjusts an edge added by FlowBuilder.
type EdgeOption func(*Edge)

// New creates a new flow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.FlowDefinition{
			ID:      name,
			Name:    name,
			Version: "1",
		},
	}
}

// Name returns the flow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Version sets the definition version.
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// Timeout sets the wall-clock ceiling of a whole run.
func (b *FlowBuilder) Timeout(d time.Duration) *FlowBuilder {
	b.def.TimeoutSeconds = seconds(d)
	return b
}

// Definition returns a copy of the definition built so far, hashed.
func (b *FlowBuilder) Definition() FlowDefinition {
	def := b.def
	def.Nodes = append([]api.Node(nil), b.def.Nodes...)
	def.Edges = append([]api.Edge(nil), b.def.Edges...)
	return def.WithHash()
}

// Node appends a node of any type.
func (b *FlowBuilder) Node(key string, typ NodeType, opts ...NodeOption) *FlowBuilder {
	if key == "" {
		panic("promptflow: node key must not be empty")
	}
	n := api.Node{
		ID:                     key,
		Key:                    key,
		Type:                   typ,
		Enabled:                true,
		AllowParallelExecution: true,
	}
	for _, opt := range opts {
		opt(&n)
	}
	b.def.Nodes = append(b.def.Nodes, n)
	return b
}

// Input appends an entry node. required lists input fields that must be
// present.
func (b *FlowBuilder) Input(key string, required ...string) *FlowBuilder {
	var opts []NodeOption
	if len(required) > 0 {
		opts = append(opts, WithConfig("required", required))
	}
	return b.Node(key, api.NodeInput, opts...)
}

// Output appends a node that publishes its input. fields restricts the
// published keys.
func (b *FlowBuilder) Output(key string, fields ...string) *FlowBuilder {
	var opts []NodeOption
	if len(fields) > 0 {
		opts = append(opts, WithConfig("fields", fields))
	}
	return b.Node(key, api.NodeOutput, opts...)
}

// Prompt appends a PromptCall node with an inline prompt template.
func (b *FlowBuilder) Prompt(key, model, prompt string, opts ...NodeOption) *FlowBuilder {
	base := []NodeOption{WithConfig("model", model), WithConfig("prompt", prompt)}
	return b.Node(key, api.NodePromptCall, append(base, opts...)...)
}

// Template appends a TemplateCall node bound to a resolver template.
func (b *FlowBuilder) Template(key, model, templateID, version string, opts ...NodeOption) *FlowBuilder {
	base := []NodeOption{WithConfig("model", model), WithTemplate(templateID, version)}
	return b.Node(key, api.NodeTemplateCall, append(base, opts...)...)
}

// Transform appends a node whose output is the value of expr.
func (b *FlowBuilder) Transform(key, expr string, opts ...NodeOption) *FlowBuilder {
	return b.Node(key, api.NodeTransform, append([]NodeOption{WithConfig("expression", expr)}, opts...)...)
}

// Variable appends a node that assigns run variables from expressions.
func (b *FlowBuilder) Variable(key string, set map[string]string, opts ...NodeOption) *FlowBuilder {
	return b.Node(key, api.NodeVariable, append([]NodeOption{WithConfig("set", set)}, opts...)...)
}

// Loop appends a Loop node. Its body edges are added with Body; the body
// returns through LoopBack. while may be empty.
func (b *FlowBuilder) Loop(key, while string, maxIterations int, opts ...NodeOption) *FlowBuilder {
	base := []NodeOption{MaxIterations(maxIterations)}
	if while != "" {
		base = append(base, WithConfig("while", while))
	}
	return b.Node(key, api.NodeLoop, append(base, opts...)...)
}

// UserInput appends a node that pauses the run until resumed.
func (b *FlowBuilder) UserInput(key string, required ...string) *FlowBuilder {
	var opts []NodeOption
	if len(required) > 0 {
		opts = append(opts, WithConfig("required", required))
	}
	return b.Node(key, api.NodeUserInput, opts...)
}

// External appends an ExternalCall node.
func (b *FlowBuilder) External(key, endpoint, method string, opts ...NodeOption) *FlowBuilder {
	base := []NodeOption{WithConfig("endpoint", endpoint), WithConfig("method", method)}
	return b.Node(key, api.NodeExternalCall, append(base, opts...)...)
}

// Validation appends a node that checks input fields against validator
// tags such as "required,email".
func (b *FlowBuilder) Validation(key string, rules map[string]string, strict bool) *FlowBuilder {
	return b.Node(key, api.NodeValidation, WithConfig("rules", rules), WithConfig("strict", strict))
}

// Aggregate appends a node merging the payloads of its incoming edges.
func (b *FlowBuilder) Aggregate(key string, opts ...NodeOption) *FlowBuilder {
	return b.Node(key, api.NodeAggregation, opts...)
}

// ErrorHandler appends a node that recovers a failed branch with fallback.
func (b *FlowBuilder) ErrorHandler(key string, fallback map[string]any) *FlowBuilder {
	var opts []NodeOption
	if fallback != nil {
		opts = append(opts, WithConfig("fallback", fallback))
	}
	return b.Node(key, api.NodeErrorHandler, opts...)
}

// Edge appends an edge of any type.
func (b *FlowBuilder) Edge(source, target string, typ EdgeType, opts ...EdgeOption) *FlowBuilder {
	if source == "" || target == "" {
		panic(fmt.Sprintf("promptflow: edge %q -> %q needs both endpoints", source, target))
	}
	b.edges++
	e := api.Edge{
		ID:      fmt.Sprintf("e%d", b.edges),
		Source:  source,
		Target:  target,
		Type:    typ,
		Enabled: true,
	}
	for _, opt := range opts {
		opt(&e)
	}
	b.def.Edges = append(b.def.Edges, e)
	return b
}

// Connect appends an unconditional edge.
func (b *FlowBuilder) Connect(source, target string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(source, target, api.EdgeNormal, opts...)
}

// When appends a conditional edge that fires when cond holds.
func (b *FlowBuilder) When(source, target, cond string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(source, target, api.EdgeConditional, append([]EdgeOption{condition(cond)}, opts...)...)
}

// Otherwise appends the default edge of source. It fires when no
// conditional edge of source matched.
func (b *FlowBuilder) Otherwise(source, target string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(source, target, api.EdgeConditional, append([]EdgeOption{func(e *Edge) { e.IsDefault = true }}, opts...)...)
}

// Body appends an edge from a Loop node into its body.
func (b *FlowBuilder) Body(loop, target string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(loop, target, api.EdgeNormal, append([]EdgeOption{FromPort(api.PortBody)}, opts...)...)
}

// LoopBack appends an edge that re-enters target. cond may be empty.
func (b *FlowBuilder) LoopBack(source, target, cond string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(source, target, api.EdgeLoop, append([]EdgeOption{condition(cond)}, opts...)...)
}

// OnError appends an edge taken when source fails.
func (b *FlowBuilder) OnError(source, handler string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(source, handler, api.EdgeErrorHandler, opts...)
}

// OnTimeout appends an edge taken when source times out.
func (b *FlowBuilder) OnTimeout(source, target string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(source, target, api.EdgeTimeout, opts...)
}

// OnEvent appends an event edge guarded by cond.
func (b *FlowBuilder) OnEvent(source, target, cond string, opts ...EdgeOption) *FlowBuilder {
	return b.Edge(source, target, api.EdgeEvent, append([]EdgeOption{condition(cond)}, opts...)...)
}

// FanOut appends parallel edges from source to every target.
func (b *FlowBuilder) FanOut(source string, targets ...string) *FlowBuilder {
	for _, t := range targets {
		b.Edge(source, t, api.EdgeParallel)
	}
	return b
}

// Join appends synchronize edges from every source into target. target
// runs once all of them have settled.
func (b *FlowBuilder) Join(target string, sources ...string) *FlowBuilder {
	for _, s := range sources {
		b.Edge(s, target, api.EdgeSynchronize)
	}
	return b
}

// Register registers the built flow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	_, err := eng.RegisterFlow(b.Definition())
	return err
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Node options.

// WithConfig sets one config key of the node.
func WithConfig(key string, value any) NodeOption {
	return func(n *Node) {
		if n.Config == nil {
			n.Config = make(map[string]any)
		}
		n.Config[key] = value
	}
}

// WithParams sets the invoker params of a prompt node.
func WithParams(params map[string]any) NodeOption {
	return WithConfig("params", params)
}

// Cached lets a prompt node reuse the output of an identical invocation.
func Cached() NodeOption {
	return WithConfig("cache", true)
}

// WithTemplate binds the node to a resolver template.
func WithTemplate(id, version string) NodeOption {
	return func(n *Node) { n.Template = &api.TemplateRef{ID: id, Version: version} }
}

// WithRetry applies a RetryBuilder.
func WithRetry(r RetryBuilder) NodeOption {
	return r.apply
}

// WithTimeout bounds each attempt of the node. Sub-second values round up.
func WithTimeout(d time.Duration) NodeOption {
	return func(n *Node) { n.TimeoutSeconds = seconds(d) }
}

// WithPriority sets the scheduling priority, 1 highest to 10 lowest.
func WithPriority(p int) NodeOption {
	return func(n *Node) { n.Priority = p }
}

// MaxIterations bounds how often loop edges may re-enter the node.
func MaxIterations(max int) NodeOption {
	return func(n *Node) { n.MaxIterations = max }
}

// Sequential keeps the node from running alongside its siblings.
func Sequential() NodeOption {
	return func(n *Node) { n.AllowParallelExecution = false }
}

// Disabled adds the node switched off.
func Disabled() NodeOption {
	return func(n *Node) { n.Enabled = false }
}

// Edge options.

// EdgePriority orders sibling edges, lower first.
func EdgePriority(p int) EdgeOption {
	return func(e *Edge) { e.Priority = p }
}

// EdgeID overrides the generated edge ID.
func EdgeID(id string) EdgeOption {
	return func(e *Edge) { e.ID = id }
}

// FromPort sets the source port.
func FromPort(port string) EdgeOption {
	return func(e *Edge) { e.SourcePort = port }
}

// ToPort sets the target port.
func ToPort(port string) EdgeOption {
	return func(e *Edge) { e.TargetPort = port }
}

func condition(cond string) EdgeOption {
	return func(e *Edge) { e.Condition = cond }
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
