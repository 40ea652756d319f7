package nodeexec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"

	"github.com/petrijr/promptflow/internal/condition"
	"github.com/petrijr/promptflow/pkg/api"
)

func (x *Executor) registerBuiltins() {
	x.handlers[api.NodeInput] = HandlerFunc(x.input)
	x.handlers[api.NodePromptCall] = HandlerFunc(x.promptCall)
	x.handlers[api.NodeTemplateCall] = HandlerFunc(x.templateCall)
	x.handlers[api.NodeVariable] = HandlerFunc(x.variable)
	x.handlers[api.NodeConditional] = HandlerFunc(x.conditional)
	x.handlers[api.NodeTransform] = HandlerFunc(x.transform)
	x.handlers[api.NodeOutput] = HandlerFunc(x.output)
	x.handlers[api.NodeLoop] = HandlerFunc(x.loop)
	x.handlers[api.NodeParallel] = HandlerFunc(passthrough)
	x.handlers[api.NodeExternalCall] = HandlerFunc(x.externalCall)
	x.handlers[api.NodeValidation] = HandlerFunc(x.validation)
	x.handlers[api.NodeAggregation] = HandlerFunc(x.aggregation)
	x.handlers[api.NodeErrorHandler] = HandlerFunc(x.errorHandler)
	x.handlers[api.NodeUserInput] = HandlerFunc(x.userInput)
}

func scopeOf(req Request) condition.Scope {
	return condition.Scope{Input: req.Input, Vars: req.Vars, Iteration: req.Iteration}
}

func passthrough(_ context.Context, req Request) (Result, error) {
	return Result{Output: api.CloneDocument(req.Input)}, nil
}

type inputConfig struct {
	Required []string       `json:"required"`
	Defaults map[string]any `json:"defaults"`
}

func requireFields(n api.Node, doc map[string]any, fields []string) error {
	var missing []string
	for _, f := range fields {
		if _, ok := doc[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return api.Permanent(fmt.Errorf("node %s: missing required field(s) %s", n.Key, strings.Join(missing, ", ")))
	}
	return nil
}

// input fills defaults under the run input and checks required fields.
func (x *Executor) input(_ context.Context, req Request) (Result, error) {
	var cfg inputConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	out := api.CloneDocument(req.Input)
	if out == nil {
		out = map[string]any{}
	}
	if len(cfg.Defaults) > 0 {
		if err := mergo.Merge(&out, cfg.Defaults); err != nil {
			return Result{}, api.Permanent(fmt.Errorf("apply defaults: %w", err))
		}
	}
	if err := requireFields(req.Node, out, cfg.Required); err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}

type variableConfig struct {
	// Set maps variable names to expressions.
	Set map[string]string `json:"set"`
	// Values are assigned as literals.
	Values map[string]any `json:"values"`
}

// variable assigns run variables. Expressions see the node input and the
// variables as they were before this node ran.
func (x *Executor) variable(_ context.Context, req Request) (Result, error) {
	var cfg variableConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	assigned := make(map[string]any, len(cfg.Set)+len(cfg.Values))
	for k, v := range cfg.Values {
		assigned[k] = v
	}
	scope := scopeOf(req)
	for _, name := range condition.SortedKeys(cfg.Set) {
		expr, err := req.Program.Expr("set."+name, cfg.Set[name])
		if err != nil {
			return Result{}, api.Permanent(fmt.Errorf("variable %s: %w", name, err))
		}
		v, err := expr.Value(scope)
		if err != nil {
			return Result{}, api.Permanent(fmt.Errorf("variable %s: %w", name, err))
		}
		assigned[name] = v
	}
	return Result{Output: api.CloneDocument(assigned), Vars: assigned}, nil
}

type expressionConfig struct {
	Expression string            `json:"expression"`
	Fields     map[string]string `json:"fields"`
	Template   string            `json:"template"`
}

// conditional passes its input through; routing happens on its edges. An
// optional expression is stored under "result".
func (x *Executor) conditional(_ context.Context, req Request) (Result, error) {
	var cfg expressionConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	out := api.CloneDocument(req.Input)
	if out == nil {
		out = map[string]any{}
	}
	if cfg.Expression != "" {
		v, err := evalExpression(req, "expression", cfg.Expression)
		if err != nil {
			return Result{}, err
		}
		out["result"] = v
	}
	return Result{Output: out}, nil
}

func evalExpression(req Request, path, src string) (any, error) {
	expr, err := req.Program.Expr(path, src)
	if err != nil {
		return nil, api.Permanent(err)
	}
	v, err := expr.Value(scopeOf(req))
	if err != nil {
		return nil, api.Permanent(err)
	}
	return v, nil
}

// transform reshapes the input with an expression, per-field expressions
// or a string template.
func (x *Executor) transform(_ context.Context, req Request) (Result, error) {
	var cfg expressionConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	scope := scopeOf(req)

	switch {
	case cfg.Expression != "":
		v, err := evalExpression(req, "expression", cfg.Expression)
		if err != nil {
			return Result{}, err
		}
		return Result{Output: condition.ToDocument(v)}, nil

	case len(cfg.Fields) > 0:
		out := make(map[string]any, len(cfg.Fields))
		for _, name := range condition.SortedKeys(cfg.Fields) {
			v, err := evalExpression(req, "fields."+name, cfg.Fields[name])
			if err != nil {
				return Result{}, fmt.Errorf("field %s: %w", name, err)
			}
			out[name] = v
		}
		return Result{Output: out}, nil

	case cfg.Template != "":
		tpl, err := req.Program.Template("template", cfg.Template)
		if err != nil {
			return Result{}, api.Permanent(err)
		}
		text, err := tpl.Render(scope)
		if err != nil {
			return Result{}, api.Permanent(err)
		}
		return Result{Output: map[string]any{"text": text}}, nil
	}
	return passthrough(context.Background(), req)
}

type outputConfig struct {
	Fields []string `json:"fields"`
}

// output publishes its input, optionally restricted to some fields.
func (x *Executor) output(_ context.Context, req Request) (Result, error) {
	var cfg outputConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	if len(cfg.Fields) == 0 {
		return passthrough(context.Background(), req)
	}
	src := api.CloneDocument(req.Input)
	out := make(map[string]any, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if v, ok := src[f]; ok {
			out[f] = v
		}
	}
	return Result{Output: out}, nil
}

type loopConfig struct {
	// While is re-evaluated on every entry. Empty means always.
	While string `json:"while"`
}

// loop decides whether another iteration runs. The flag is false once the
// node has been re-entered MaxIterations times.
func (x *Executor) loop(_ context.Context, req Request) (Result, error) {
	var cfg loopConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	cont := req.Iteration < req.Node.MaxIterations
	if cont && cfg.While != "" {
		expr, err := req.Program.Expr("while", cfg.While)
		if err != nil {
			return Result{}, api.Permanent(err)
		}
		ok, err := expr.Bool(scopeOf(req))
		if err != nil {
			return Result{}, api.Permanent(err)
		}
		cont = ok
	}
	return Result{
		Output: map[string]any{
			"iteration": int64(req.Iteration),
			"value":     api.CloneDocument(req.Input),
			"continue":  cont,
		},
		Continue: cont,
	}, nil
}

type validationConfig struct {
	// Rules maps input fields to validator tags such as "required,email".
	Rules map[string]string `json:"rules"`
	// Strict fails the node on any violation instead of flagging it.
	Strict bool `json:"strict"`
}

// validation checks input fields with validator tags. The output carries
// "valid" and the list of violations.
func (x *Executor) validation(_ context.Context, req Request) (Result, error) {
	var cfg validationConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}

	var violations []any
	for _, field := range condition.SortedKeys(cfg.Rules) {
		err := x.validate.Var(req.Input[field], cfg.Rules[field])
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Result{}, api.Permanent(fmt.Errorf("rule for %s: %w", field, err))
		}
		for _, fe := range verrs {
			violations = append(violations, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}

	valid := len(violations) == 0
	if !valid && cfg.Strict {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.(string)
		}
		return Result{}, api.Permanent(fmt.Errorf("validation failed: %s", strings.Join(msgs, "; ")))
	}
	if violations == nil {
		violations = []any{}
	}
	return Result{Output: map[string]any{
		"valid":  valid,
		"errors": violations,
		"value":  api.CloneDocument(req.Input),
	}}, nil
}

type aggregationConfig struct {
	// Mode is "merge" (default) or "collect".
	Mode         string `json:"mode"`
	AppendSlices bool   `json:"append_slices"`
}

// aggregation combines the payloads of every fired incoming edge. Sources
// are visited in key order so the later key wins on conflicts.
func (x *Executor) aggregation(_ context.Context, req Request) (Result, error) {
	var cfg aggregationConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	sources := req.Upstream
	if len(sources) == 0 {
		sources = map[string]map[string]any{"": req.Input}
	}
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch cfg.Mode {
	case "", "merge":
		out := map[string]any{}
		opts := []func(*mergo.Config){mergo.WithOverride}
		if cfg.AppendSlices {
			opts = append(opts, mergo.WithAppendSlice)
		}
		for _, k := range keys {
			if err := mergo.Merge(&out, api.CloneDocument(sources[k]), opts...); err != nil {
				return Result{}, api.Permanent(fmt.Errorf("merge %s: %w", k, err))
			}
		}
		return Result{Output: out}, nil

	case "collect":
		items := make([]any, 0, len(keys))
		for _, k := range keys {
			items = append(items, api.CloneDocument(sources[k]))
		}
		return Result{Output: map[string]any{
			"items":   items,
			"sources": toAny(keys),
			"count":   int64(len(items)),
		}}, nil
	}
	return Result{}, api.Permanent(fmt.Errorf("unknown aggregation mode %q", cfg.Mode))
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

type errorHandlerConfig struct {
	Fallback map[string]any `json:"fallback"`
}

// errorHandler recovers a failed branch. Its input is the failure report
// of the source node; the fallback document is merged over it.
func (x *Executor) errorHandler(_ context.Context, req Request) (Result, error) {
	var cfg errorHandlerConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	out := api.CloneDocument(req.Input)
	if out == nil {
		out = map[string]any{}
	}
	if len(cfg.Fallback) > 0 {
		if err := mergo.Merge(&out, api.CloneDocument(cfg.Fallback), mergo.WithOverride); err != nil {
			return Result{}, api.Permanent(err)
		}
	}
	out["handled"] = true
	return Result{Output: out}, nil
}

type userInputConfig struct {
	Required []string `json:"required"`
}

// userInput runs once the paused node is resumed; its input is the resume
// payload.
func (x *Executor) userInput(_ context.Context, req Request) (Result, error) {
	var cfg userInputConfig
	if err := decodeConfig(req.Node, &cfg); err != nil {
		return Result{}, err
	}
	if err := requireFields(req.Node, req.Input, cfg.Required); err != nil {
		return Result{}, err
	}
	return passthrough(context.Background(), req)
}
