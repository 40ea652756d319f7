// Package hclflow loads flow definitions from HCL files.
//
// A file holds one or more flow blocks:
//
//	flow "summarize" {
//	  version = "2"
//
//	  node "in" { type = "Input" }
//	  node "draft" {
//	    type        = "PromptCall"
//	    max_retries = 2
//	    config = {
//	      model  = "gpt-4o-mini"
//	      prompt = "Summarize ${input.text}"
//	    }
//	  }
//	  node "out" { type = "Output" }
//
//	  edge "in" "draft" {}
//	  edge "draft" "out" { condition = output.text != "" }
//	}
//
// Node labels become node keys and, unless id is set, node IDs. Edge labels
// name the source and target node IDs. Conditions may be quoted or written
// as bare expressions. Interpolations inside config strings are kept as
// template source for the executor to render.
package hclflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/petrijr/promptflow/internal/condition"
	"github.com/petrijr/promptflow/internal/ctxlog"
	"github.com/petrijr/promptflow/pkg/api"
)

// Extension is the file suffix LoadDir picks up.
const Extension = ".hcl"

type fileSchema struct {
	Flows []flowBlock `hcl:"flow,block"`
}

type flowBlock struct {
	Name           string      `hcl:"name,label"`
	ID             string      `hcl:"id,optional"`
	Version        string      `hcl:"version,optional"`
	TimeoutSeconds int         `hcl:"timeout_seconds,optional"`
	Nodes          []nodeBlock `hcl:"node,block"`
	Edges          []edgeBlock `hcl:"edge,block"`
}

type nodeBlock struct {
	Key             string         `hcl:"key,label"`
	ID              string         `hcl:"id,optional"`
	Type            string         `hcl:"type"`
	Config          hcl.Expression `hcl:"config,optional"`
	Template        string         `hcl:"template,optional"`
	TemplateVersion string         `hcl:"template_version,optional"`
	TimeoutSeconds  int            `hcl:"timeout_seconds,optional"`
	MaxRetries      int            `hcl:"max_retries,optional"`
	MaxIterations   int            `hcl:"max_iterations,optional"`
	Priority        int            `hcl:"priority,optional"`
	Parallel        *bool          `hcl:"allow_parallel,optional"`
	Enabled         *bool          `hcl:"enabled,optional"`
	Retry           *retryBlock    `hcl:"retry,block"`
}

type retryBlock struct {
	InitialBackoff string  `hcl:"initial_backoff,optional"`
	Multiplier     float64 `hcl:"multiplier,optional"`
	MaxBackoff     string  `hcl:"max_backoff,optional"`
}

type edgeBlock struct {
	Source     string         `hcl:"source,label"`
	Target     string         `hcl:"target,label"`
	ID         string         `hcl:"id,optional"`
	Type       string         `hcl:"type,optional"`
	Condition  hcl.Expression `hcl:"condition,optional"`
	Default    bool           `hcl:"default,optional"`
	Priority   int            `hcl:"priority,optional"`
	SourcePort string         `hcl:"source_port,optional"`
	TargetPort string         `hcl:"target_port,optional"`
	Enabled    *bool          `hcl:"enabled,optional"`
}

// Parse decodes every flow block in src. filename is used in diagnostics.
func Parse(src []byte, filename string) ([]api.FlowDefinition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
	}

	var schema fileSchema
	diags = gohcl.DecodeBody(file.Body, nil, &schema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
	}

	defs := make([]api.FlowDefinition, 0, len(schema.Flows))
	for _, fb := range schema.Flows {
		def, err := fb.definition(file.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: flow %q: %w", filename, fb.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile reads and parses one HCL file.
func LoadFile(ctx context.Context, path string) ([]api.FlowDefinition, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("flow_file_decode", "path", path)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	defs, err := Parse(src, path)
	if err != nil {
		return nil, err
	}
	logger.Debug("flow_file_decoded", "path", path, "flows", len(defs))
	return defs, nil
}

// LoadDir parses every *.hcl file directly under dir in lexical order.
func LoadDir(ctx context.Context, dir string) ([]api.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flow dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), Extension) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []api.FlowDefinition
	for _, name := range names {
		defs, err := LoadFile(ctx, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

func (fb flowBlock) definition(src []byte) (api.FlowDefinition, error) {
	def := api.FlowDefinition{
		ID:             fb.ID,
		Name:           fb.Name,
		Version:        fb.Version,
		TimeoutSeconds: fb.TimeoutSeconds,
	}
	if def.ID == "" {
		def.ID = fb.Name
	}
	if def.Version == "" {
		def.Version = "1"
	}

	for _, nb := range fb.Nodes {
		n, err := nb.node(src)
		if err != nil {
			return api.FlowDefinition{}, fmt.Errorf("node %q: %w", nb.Key, err)
		}
		def.Nodes = append(def.Nodes, n)
	}
	for i, eb := range fb.Edges {
		def.Edges = append(def.Edges, eb.edge(src, i+1))
	}
	return def, nil
}

func (nb nodeBlock) node(src []byte) (api.Node, error) {
	n := api.Node{
		ID:                     nb.ID,
		Key:                    nb.Key,
		Type:                   api.NodeType(nb.Type),
		TimeoutSeconds:         nb.TimeoutSeconds,
		MaxRetries:             nb.MaxRetries,
		MaxIterations:          nb.MaxIterations,
		Priority:               nb.Priority,
		AllowParallelExecution: boolOr(nb.Parallel, true),
		Enabled:                boolOr(nb.Enabled, true),
	}
	if n.ID == "" {
		n.ID = nb.Key
	}
	if nb.Template != "" {
		n.Template = &api.TemplateRef{ID: nb.Template, Version: nb.TemplateVersion}
	}

	if nb.Config != nil {
		v, err := literal(nb.Config, src)
		if err != nil {
			return api.Node{}, fmt.Errorf("config: %w", err)
		}
		switch cfg := v.(type) {
		case nil:
		case map[string]any:
			n.Config = cfg
		default:
			return api.Node{}, fmt.Errorf("config must be an object, got %T", v)
		}
	}

	if nb.Retry != nil {
		rp, err := nb.Retry.policy()
		if err != nil {
			return api.Node{}, fmt.Errorf("retry: %w", err)
		}
		n.Retry = rp
	}
	return n, nil
}

func (rb retryBlock) policy() (*api.RetryPolicy, error) {
	rp := &api.RetryPolicy{BackoffMultiplier: rb.Multiplier}
	var err error
	if rb.InitialBackoff != "" {
		if rp.InitialBackoff, err = time.ParseDuration(rb.InitialBackoff); err != nil {
			return nil, fmt.Errorf("initial_backoff: %w", err)
		}
	}
	if rb.MaxBackoff != "" {
		if rp.MaxBackoff, err = time.ParseDuration(rb.MaxBackoff); err != nil {
			return nil, fmt.Errorf("max_backoff: %w", err)
		}
	}
	return rp, nil
}

func (eb edgeBlock) edge(src []byte, ordinal int) api.Edge {
	e := api.Edge{
		ID:         eb.ID,
		Source:     eb.Source,
		Target:     eb.Target,
		SourcePort: eb.SourcePort,
		TargetPort: eb.TargetPort,
		Type:       api.EdgeType(eb.Type),
		IsDefault:  eb.Default,
		Priority:   eb.Priority,
		Enabled:    boolOr(eb.Enabled, true),
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("e%d", ordinal)
	}
	if eb.Condition != nil {
		e.Condition = conditionSource(eb.Condition, src)
	}
	if e.Type == "" {
		e.Type = api.EdgeNormal
		if e.Condition != "" {
			e.Type = api.EdgeConditional
		}
	}
	return e
}

// conditionSource returns the condition text: the value of a quoted string
// or the source of a bare expression.
func conditionSource(expr hcl.Expression, src []byte) string {
	if v, diags := expr.Value(nil); !diags.HasErrors() {
		if v.IsNull() {
			return ""
		}
		if s, err := condition.FromCty(v); err == nil {
			if str, ok := s.(string); ok {
				return str
			}
		}
	}
	return strings.TrimSpace(string(expr.Range().SliceBytes(src)))
}

// literal evaluates a static expression. Template strings that reference
// run data are returned as their unquoted source.
func literal(expr hcl.Expression, src []byte) (any, error) {
	switch x := expr.(type) {
	case *hclsyntax.ObjectConsExpr:
		out := make(map[string]any, len(x.Items))
		for _, item := range x.Items {
			kv, diags := item.KeyExpr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("object key: %s", diags.Error())
			}
			key, err := condition.FromCty(kv)
			if err != nil {
				return nil, err
			}
			ks, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("object key must be a string, got %T", key)
			}
			v, err := literal(item.ValueExpr, src)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ks, err)
			}
			out[ks] = v
		}
		return out, nil

	case *hclsyntax.TupleConsExpr:
		out := make([]any, 0, len(x.Exprs))
		for _, e := range x.Exprs {
			v, err := literal(e, src)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case *hclsyntax.TemplateExpr:
		if v, diags := x.Value(nil); !diags.HasErrors() {
			return condition.FromCty(v)
		}
		return templateSource(x, src), nil
	}

	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s", diags.Error())
	}
	return condition.FromCty(v)
}

// templateSource rebuilds the template text with escapes decoded and
// interpolations kept verbatim.
func templateSource(x *hclsyntax.TemplateExpr, src []byte) string {
	raw := string(x.Range().SliceBytes(src))
	if strings.Contains(raw, "%{") {
		// Directives have no part-wise form.
		return strings.TrimSuffix(strings.TrimPrefix(raw, `"`), `"`)
	}
	var b strings.Builder
	for _, part := range x.Parts {
		if lit, ok := part.(*hclsyntax.LiteralValueExpr); ok && lit.Val.Type() == cty.String && lit.Val.IsKnown() && !lit.Val.IsNull() {
			b.WriteString(lit.Val.AsString())
			continue
		}
		b.WriteString("${")
		b.WriteString(string(part.Range().SliceBytes(src)))
		b.WriteString("}")
	}
	return b.String()
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
