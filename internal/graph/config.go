package graph

import (
	"sort"

	"github.com/petrijr/promptflow/internal/condition"
	"github.com/petrijr/promptflow/pkg/api"
)

// compileConfig compiles the expressions and templates a node type reads
// from its configuration. Broken ones are reported as validation errors.
func (v *validator) compileConfig(n api.Node) *condition.Program {
	p := &condition.Program{}
	expr := func(path string, raw any) {
		src, ok := raw.(string)
		if !ok {
			v.errorf(api.CodeBadExpression, n.ID, "node %q config %s must be a string, got %T", n.Key, path, raw)
			return
		}
		if err := p.AddExpr(path, src); err != nil {
			v.errorf(api.CodeBadExpression, n.ID, "node %q config %s: %v", n.Key, path, err)
		}
	}
	tmpl := func(path string, raw any) {
		src, ok := raw.(string)
		if !ok {
			v.errorf(api.CodeBadExpression, n.ID, "node %q config %s must be a string, got %T", n.Key, path, raw)
			return
		}
		if err := p.AddTemplate(path, src); err != nil {
			v.errorf(api.CodeBadExpression, n.ID, "node %q config %s: %v", n.Key, path, err)
		}
	}
	each := func(key string, fn func(string, any)) {
		raw, ok := n.Config[key]
		if !ok || raw == nil {
			return
		}
		entries, ok := stringKeyed(raw)
		if !ok {
			v.errorf(api.CodeBadExpression, n.ID, "node %q config %s must be a map of expressions, got %T", n.Key, key, raw)
			return
		}
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fn(key+"."+name, entries[name])
		}
	}
	scalar := func(key string, fn func(string, any)) {
		if raw, ok := n.Config[key]; ok && raw != nil && raw != "" {
			fn(key, raw)
		}
	}

	switch n.Type {
	case api.NodeVariable:
		each("set", expr)
	case api.NodeConditional:
		scalar("expression", expr)
	case api.NodeTransform:
		scalar("expression", expr)
		each("fields", expr)
		scalar("template", tmpl)
	case api.NodeLoop:
		scalar("while", expr)
	case api.NodePromptCall:
		if n.Template == nil {
			scalar("prompt", tmpl)
		}
	}
	if p.Len() == 0 {
		return nil
	}
	return p
}

func stringKeyed(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}
