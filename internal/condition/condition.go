// Package condition compiles edge conditions, transform expressions and
// inline prompt templates into HCL expression trees and evaluates them
// against a run scope.
//
// Expressions use HCL native syntax. The scope exposes four roots:
//
//	output     the source node's output document
//	input      the source node's input document
//	vars       run-scoped variables
//	iteration  the loop entry count of the source node
//
// For example: output.score > 0.7 && vars.tier == "gold".
package condition

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

const (
	RootOutput    = "output"
	RootInput     = "input"
	RootVars      = "vars"
	RootIteration = "iteration"
)

var roots = map[string]struct{}{
	RootOutput:    {},
	RootInput:     {},
	RootVars:      {},
	RootIteration: {},
}

// ErrNotBoolean is returned when a condition does not produce a bool.
var ErrNotBoolean = errors.New("condition did not evaluate to a bool")

var functions = map[string]function.Function{
	"abs":        stdlib.AbsoluteFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"contains":   stdlib.ContainsFunc,
	"format":     stdlib.FormatFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"keys":       stdlib.KeysFunc,
	"length":     stdlib.LengthFunc,
	"lookup":     stdlib.LookupFunc,
	"lower":      stdlib.LowerFunc,
	"max":        stdlib.MaxFunc,
	"min":        stdlib.MinFunc,
	"regex":      stdlib.RegexFunc,
	"strlen":     stdlib.StrlenFunc,
	"trimspace":  stdlib.TrimSpaceFunc,
	"upper":      stdlib.UpperFunc,
}

// Scope is the data an expression is evaluated against.
type Scope struct {
	Output    map[string]any
	Input     map[string]any
	Vars      map[string]any
	Iteration int
}

func (s Scope) evalContext() (*hcl.EvalContext, error) {
	output, err := ToCty(s.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	input, err := ToCty(s.Input)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	vars, err := ToCty(s.Vars)
	if err != nil {
		return nil, fmt.Errorf("vars: %w", err)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			RootOutput:    orEmpty(output),
			RootInput:     orEmpty(input),
			RootVars:      orEmpty(vars),
			RootIteration: cty.NumberIntVal(int64(s.Iteration)),
		},
		Functions: functions,
	}, nil
}

func orEmpty(v cty.Value) cty.Value {
	if v.IsNull() {
		return cty.EmptyObjectVal
	}
	return v
}

// Expr is a compiled expression. It is safe for concurrent use.
type Expr struct {
	src  string
	expr hclsyntax.Expression
}

// Compile parses src and checks that it only references known scope roots.
func Compile(src string) (*Expr, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, errors.New("empty expression")
	}
	expr, diags := hclsyntax.ParseExpression([]byte(trimmed), "condition", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	if err := checkRoots(expr.Variables()); err != nil {
		return nil, err
	}
	return &Expr{src: trimmed, expr: expr}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level expressions.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

func checkRoots(traversals []hcl.Traversal) error {
	var unknown []string
	for _, t := range traversals {
		name := t.RootName()
		if _, ok := roots[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown variable(s): %s", strings.Join(unknown, ", "))
}

// Source returns the normalized expression text.
func (e *Expr) Source() string { return e.src }

func (e *Expr) eval(scope Scope) (cty.Value, error) {
	ctx, err := scope.evalContext()
	if err != nil {
		return cty.NilVal, err
	}
	val, diags := e.expr.Value(ctx)
	if diags.HasErrors() {
		return cty.NilVal, errors.New(diags.Error())
	}
	return val, nil
}

// Value evaluates the expression and converts the result to Go values.
func (e *Expr) Value(scope Scope) (any, error) {
	val, err := e.eval(scope)
	if err != nil {
		return nil, err
	}
	return FromCty(val)
}

// Bool evaluates the expression as a condition.
func (e *Expr) Bool(scope Scope) (bool, error) {
	val, err := e.eval(scope)
	if err != nil {
		return false, err
	}
	if !val.IsKnown() || val.IsNull() {
		return false, ErrNotBoolean
	}
	b, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("%w: got %s", ErrNotBoolean, val.Type().FriendlyName())
	}
	return b.True(), nil
}

// Template is a compiled string template such as "Summarize ${input.text}".
type Template struct {
	src  string
	expr hclsyntax.Expression
}

// CompileTemplate parses an HCL string template.
func CompileTemplate(src string) (*Template, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, errors.New(diags.Error())
	}
	if err := checkRoots(expr.Variables()); err != nil {
		return nil, err
	}
	return &Template{src: src, expr: expr}, nil
}

// Render evaluates the template to a string.
func (t *Template) Render(scope Scope) (string, error) {
	ctx, err := scope.evalContext()
	if err != nil {
		return "", err
	}
	val, diags := t.expr.Value(ctx)
	if diags.HasErrors() {
		return "", errors.New(diags.Error())
	}
	s, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("template result: %w", err)
	}
	if s.IsNull() {
		return "", nil
	}
	return s.AsString(), nil
}
