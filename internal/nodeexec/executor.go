// Package nodeexec runs a single node: it resolves the capability that
// belongs to the node type, invokes it and classifies the failure.
package nodeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/petrijr/promptflow/internal/condition"
	"github.com/petrijr/promptflow/internal/ctxlog"
	"github.com/petrijr/promptflow/internal/xjson"
	"github.com/petrijr/promptflow/pkg/api"
)

var (
	ErrNoHandler  = errors.New("no handler for node type")
	ErrNoInvoker  = errors.New("no AI invoker configured")
	ErrNoResolver = errors.New("no template resolver configured")
	ErrNoCaller   = errors.New("no external caller configured")
)

// Request is everything a handler may read.
type Request struct {
	ExecutionID string
	Node        api.Node

	// Input is the payload of the edge that triggered the node, or a map
	// keyed by source node key when several edges fired.
	Input map[string]any

	// Upstream holds the payload of every fired incoming edge by source
	// node key.
	Upstream map[string]map[string]any

	// Vars is a snapshot of the run variables.
	Vars map[string]any

	// Iteration counts loop re-entries of this node.
	Iteration int

	// Program holds the config expressions compiled at validation. Entries
	// missing from it are compiled on demand.
	Program *condition.Program

	Attempt int
}

// Result is what a handler produces for a successful attempt.
type Result struct {
	Output map[string]any

	Cost       float64
	Tokens     int64
	Quality    float64
	Confidence float64
	CacheHit   bool

	TemplateVersion string

	// Vars are run variables to set once the node completes.
	Vars map[string]any

	// Continue is the loop flag of a Loop node.
	Continue bool
}

// Handler executes nodes of one type.
type Handler interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Options configure an Executor. All capabilities are optional; a node that
// needs a missing capability fails permanently.
type Options struct {
	Templates api.TemplateResolver
	Invoker   api.Invoker
	Caller    api.ExternalCaller

	// CacheMaxEntries bounds the prompt output cache. Zero disables it.
	CacheMaxEntries int64

	// ExternalRate limits ExternalCall nodes per endpoint in calls per
	// second. Zero means unlimited.
	ExternalRate  float64
	ExternalBurst int

	Logger *slog.Logger
}

// Executor dispatches requests to per-type handlers. It is safe for
// concurrent use.
type Executor struct {
	mu       sync.RWMutex
	handlers map[api.NodeType]Handler

	templates api.TemplateResolver
	invoker   api.Invoker
	caller    api.ExternalCaller

	cache    *ristretto.Cache[string, Result]
	validate *validator.Validate

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	logger *slog.Logger
}

// New builds an Executor with the built-in handlers registered.
func New(opts Options) (*Executor, error) {
	x := &Executor{
		handlers:  make(map[api.NodeType]Handler),
		templates: opts.Templates,
		invoker:   opts.Invoker,
		caller:    opts.Caller,
		validate:  validator.New(),
		limiters:  make(map[string]*rate.Limiter),
		rate:      rate.Inf,
		burst:     opts.ExternalBurst,
		logger:    opts.Logger,
	}
	if x.logger == nil {
		x.logger = slog.Default()
	}
	if opts.ExternalRate > 0 {
		x.rate = rate.Limit(opts.ExternalRate)
		if x.burst <= 0 {
			x.burst = 1
		}
	}
	if opts.CacheMaxEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, Result]{
			NumCounters: opts.CacheMaxEntries * 10,
			MaxCost:     opts.CacheMaxEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("prompt cache: %w", err)
		}
		x.cache = cache
	}
	x.registerBuiltins()
	return x, nil
}

// Register installs or replaces the handler for a node type.
func (x *Executor) Register(typ api.NodeType, h Handler) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers[typ] = h
}

// Close releases the prompt cache.
func (x *Executor) Close() {
	if x.cache != nil {
		x.cache.Close()
	}
}

// Execute runs one attempt of req.Node. A panicking handler is turned into
// a permanent error that carries the stack.
func (x *Executor) Execute(ctx context.Context, req Request) (res Result, err error) {
	x.mu.RLock()
	h, ok := x.handlers[req.Node.Type]
	x.mu.RUnlock()
	if !ok {
		return Result{}, api.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, req.Node.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Error("node_panic", "node", req.Node.Key, "panic", r)
			err = api.Permanent(&PanicError{Value: r, Stack: string(debug.Stack())})
			res = Result{}
		}
	}()

	res, err = h.Execute(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if res.Output == nil {
		res.Output = map[string]any{}
	}
	return res, nil
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("node panicked: %v", e.Value) }

// StackTrace returns the stack carried by err, if any.
func StackTrace(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	return ""
}

// decodeConfig converts the opaque node configuration into cfg.
func decodeConfig(n api.Node, cfg any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := xjson.Convert(n.Config, cfg); err != nil {
		return api.Permanent(fmt.Errorf("node %s config: %w", n.Key, err))
	}
	return nil
}
