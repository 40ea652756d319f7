package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/promptflow/internal/ctxlog"
	"github.com/petrijr/promptflow/internal/nodeexec"
	"github.com/petrijr/promptflow/internal/persistence"
	"github.com/petrijr/promptflow/internal/retry"
	"github.com/petrijr/promptflow/internal/variant"
	"github.com/petrijr/promptflow/pkg/api"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("engine closed")

// Options describes how to construct an engine. Zero values select the
// defaults noted on each field.
type Options struct {
	// Executor runs nodes. When nil one is built from the capability
	// fields below and closed with the engine.
	Executor        *nodeexec.Executor
	Templates       api.TemplateResolver
	Invoker         api.Invoker
	Caller          api.ExternalCaller
	CacheMaxEntries int64
	ExternalRate    float64
	ExternalBurst   int

	// Sink receives every record. Defaults to api.NoopSink.
	Sink api.Sink
	// Reader serves Get for runs no longer held in memory.
	Reader api.Reader

	// Observer is wrapped with api.NewAsyncObserver.
	Observer       api.Observer
	ObserverBuffer int

	// Selector assigns variants. Defaults to a selector over Experiments.
	Selector    *variant.Selector
	Experiments api.ExperimentSource

	Logger *slog.Logger

	// MaxConcurrency caps running nodes per run. Defaults to GOMAXPROCS.
	MaxConcurrency int
	// MaxBatchConcurrency caps concurrent runs of RunBatch. Defaults to
	// MaxConcurrency.
	MaxBatchConcurrency int

	// FlowTimeout applies to definitions without their own ceiling.
	FlowTimeout time.Duration
	// NodeTimeout applies to nodes without TimeoutSeconds.
	NodeTimeout time.Duration

	// Retry supplies the backoff shape for nodes without one.
	Retry retry.Policy

	// RetainFinished bounds the finished runs held in memory when there is
	// no Reader. Defaults to DefaultRetainFinished. With a Reader finished
	// runs are served from the store.
	RetainFinished int
}

// DefaultRetainFinished is the in-memory history kept without a Reader.
const DefaultRetainFinished = 1024

// engineImpl runs flows in-process. Each run is driven by its own
// scheduler goroutine.
type engineImpl struct {
	opts     Options
	flows    *flowRegistry
	exec     *nodeexec.Executor
	ownsExec bool
	selector *variant.Selector
	sink     api.Sink
	reader   api.Reader
	async    *api.AsyncObserver
	observer api.Observer
	logger   *slog.Logger

	variantMu    sync.RWMutex
	variantFlows map[string]*compiledFlow

	runsMu   sync.RWMutex
	runs     map[string]*flowRun
	finished []string // retained finished run ids, oldest first

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ api.Engine = (*engineImpl)(nil)

// New returns an engine configured by opts.
func New(opts Options) (api.Engine, error) {
	return newEngine(opts)
}

func newEngine(opts Options) (*engineImpl, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = runtime.GOMAXPROCS(0)
	}
	if opts.MaxBatchConcurrency <= 0 {
		opts.MaxBatchConcurrency = opts.MaxConcurrency
	}
	if opts.Retry.BackoffMultiplier <= 0 {
		opts.Retry.BackoffMultiplier = retry.DefaultMultiplier
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = DefaultRetainFinished
	}

	e := &engineImpl{
		opts:         opts,
		flows:        newFlowRegistry(),
		exec:         opts.Executor,
		selector:     opts.Selector,
		sink:         opts.Sink,
		reader:       opts.Reader,
		logger:       opts.Logger,
		variantFlows: make(map[string]*compiledFlow),
		runs:         make(map[string]*flowRun),
	}
	if e.exec == nil {
		x, err := nodeexec.New(nodeexec.Options{
			Templates:       opts.Templates,
			Invoker:         opts.Invoker,
			Caller:          opts.Caller,
			CacheMaxEntries: opts.CacheMaxEntries,
			ExternalRate:    opts.ExternalRate,
			ExternalBurst:   opts.ExternalBurst,
			Logger:          opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		e.exec = x
		e.ownsExec = true
	}
	if e.selector == nil {
		e.selector = variant.New(variant.Options{Source: opts.Experiments})
	}
	if e.sink == nil {
		e.sink = api.NoopSink{}
	}
	obs := opts.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	e.async = api.NewAsyncObserver(obs, opts.ObserverBuffer)
	e.observer = e.async
	return e, nil
}

// NewInMemoryEngine keeps every record in an in-memory store.
func NewInMemoryEngine(opts Options) (api.Engine, error) {
	mem := persistence.NewMemoryStore()
	opts.Sink = mem
	opts.Reader = mem
	return New(opts)
}

// NewSQLiteEngine records runs in SQLite.
func NewSQLiteEngine(db *sql.DB, opts Options) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	opts.Sink = store
	opts.Reader = store
	return New(opts)
}

// NewPostgresEngine records runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts Options) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	opts.Sink = store
	opts.Reader = store
	return New(opts)
}

// NewRedisEngine records runs in Redis under the "promptflow:" prefix.
func NewRedisEngine(client *redis.Client, opts Options) (api.Engine, error) {
	store := persistence.NewRedisStore(client, persistence.DefaultRedisPrefix)
	opts.Sink = store
	opts.Reader = store
	return New(opts)
}

// NewMongoEngine records runs in the named MongoDB database.
func NewMongoEngine(client *mongo.Client, dbName string, opts Options) (api.Engine, error) {
	store := persistence.NewMongoStore(client, dbName)
	opts.Sink = store
	opts.Reader = store
	return New(opts)
}

// NewBadgerEngine records runs in an embedded badger database.
func NewBadgerEngine(db *badger.DB, opts Options) (api.Engine, error) {
	store := persistence.NewBadgerStore(db)
	opts.Sink = store
	opts.Reader = store
	return New(opts)
}

func (e *engineImpl) RegisterFlow(def api.FlowDefinition) (api.ValidationResult, error) {
	if def.Name == "" {
		return api.ValidationResult{}, &api.ValidationError{Reason: "flow name is required"}
	}
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	cf, err := compile(def)
	if err != nil {
		var ve *api.ValidationError
		if errors.As(err, &ve) {
			return ve.Result, err
		}
		return api.ValidationResult{}, err
	}
	if err := e.flows.Register(cf); err != nil {
		return cf.result, err
	}
	e.logger.Info("flow_registered",
		slog.String("flow", def.Name),
		slog.String("version", def.Version),
		slog.String("status", string(cf.result.Status)),
	)
	return cf.result, nil
}

func (e *engineImpl) RegisterVariant(v api.FlowVariant) error {
	if len(v.Definition.Nodes) > 0 {
		def := v.Definition
		if def.Name == "" {
			def.Name = v.FlowName
		}
		if def.Version == "" {
			def.Version = v.ID
		}
		cf, err := compile(def)
		if err != nil {
			return fmt.Errorf("variant %s: %w", v.ID, err)
		}
		e.variantMu.Lock()
		e.variantFlows[v.ID] = cf
		e.variantMu.Unlock()
	} else if v.DefinitionVersion != "" {
		if _, err := e.flows.Get(v.FlowName, v.DefinitionVersion); err != nil {
			return fmt.Errorf("variant %s: %w", v.ID, err)
		}
	}
	return e.selector.Register(v)
}

// flowForVariant resolves the graph a variant runs.
func (e *engineImpl) flowForVariant(v *api.FlowVariant) (*compiledFlow, error) {
	e.variantMu.RLock()
	cf, ok := e.variantFlows[v.ID]
	e.variantMu.RUnlock()
	if ok {
		return cf, nil
	}
	if len(v.Definition.Nodes) > 0 {
		def := v.Definition
		if def.Name == "" {
			def.Name = v.FlowName
		}
		cf, err := compile(def)
		if err != nil {
			return nil, err
		}
		e.variantMu.Lock()
		e.variantFlows[v.ID] = cf
		e.variantMu.Unlock()
		return cf, nil
	}
	return e.flows.Get(v.FlowName, v.DefinitionVersion)
}

// pick chooses the graph of a new run. Experiment source failures fall
// back to the base definition; allocation errors fail the start.
func (e *engineImpl) pick(ctx context.Context, base *compiledFlow, id string, opts api.StartOptions) (*compiledFlow, string, error) {
	if opts.SkipVariants || opts.AssignmentKey == "" {
		return base, "", nil
	}
	v, err := e.selector.SelectVariant(ctx, base.def, api.RunContext{AssignmentKey: opts.AssignmentKey, ExecutionID: id})
	if err != nil {
		var ve *api.ValidationError
		if errors.As(err, &ve) {
			return nil, "", err
		}
		e.logger.WarnContext(ctx, "variant_selection_failed", slog.String("flow", base.def.Name), slog.Any("error", err))
		return base, "", nil
	}
	if v == nil {
		return base, "", nil
	}
	cf, err := e.flowForVariant(v)
	if err != nil {
		e.logger.WarnContext(ctx, "variant_unavailable", slog.String("variant", v.ID), slog.Any("error", err))
		return base, "", nil
	}
	return cf, v.ID, nil
}

func (e *engineImpl) Start(ctx context.Context, flowName string, input map[string]any, opts api.StartOptions) (api.Handle, error) {
	r, err := e.start(ctx, flowName, input, opts, nil)
	if err != nil {
		return nil, err
	}
	return &runHandle{run: r}, nil
}

func (e *engineImpl) start(ctx context.Context, flowName string, input map[string]any, opts api.StartOptions, batch *api.BatchContext) (*flowRun, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	base, err := e.flows.Get(flowName, opts.Version)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	cf, variantID, err := e.pick(ctx, base, id, opts)
	if err != nil {
		return nil, err
	}

	exec := &api.FlowExecution{
		ID:            id,
		FlowID:        cf.def.ID,
		FlowName:      flowName,
		FlowVersion:   cf.def.Version,
		Status:        api.FlowPending,
		Input:         api.CloneDocument(input),
		Variables:     api.CloneDocument(opts.Variables),
		StartedAt:     time.Now(),
		VariantID:     variantID,
		ExperimentKey: opts.AssignmentKey,
	}

	ctx = ctxlog.WithLogger(ctx, e.logger)
	r := newFlowRun(ctx, e, cf, exec, flowName, !opts.SkipVariants)
	r.batch = batch

	e.runsMu.Lock()
	e.runs[id] = r
	e.runsMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.loop()
		e.retire(id)
	}()
	return r, nil
}

// retire drops a finished run from memory. With a Reader the store serves it
// from now on; without one only the most recent runs stay available.
func (e *engineImpl) retire(id string) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if e.reader != nil {
		delete(e.runs, id)
		return
	}
	e.finished = append(e.finished, id)
	for len(e.finished) > e.opts.RetainFinished {
		delete(e.runs, e.finished[0])
		e.finished[0] = ""
		e.finished = e.finished[1:]
	}
}

// notLive explains why id has no in-memory run.
func (e *engineImpl) notLive(ctx context.Context, id string) error {
	if e.reader != nil {
		if exec, err := e.reader.GetFlowExecution(ctx, id); err == nil && exec.Status.Terminal() {
			return fmt.Errorf("execution %s: %w", id, api.ErrExecutionFinished)
		}
	}
	return fmt.Errorf("execution %s: %w", id, api.ErrExecutionNotFound)
}

func (e *engineImpl) Run(ctx context.Context, flowName string, input map[string]any, opts api.StartOptions) (*api.ExecutionResult, error) {
	r, err := e.start(ctx, flowName, input, opts, nil)
	if err != nil {
		return nil, err
	}
	return waitSettled(ctx, r)
}

// waitSettled blocks until the run pauses or finishes.
func waitSettled(ctx context.Context, r *flowRun) (*api.ExecutionResult, error) {
	select {
	case <-r.settledCh():
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

func (e *engineImpl) lookup(id string) (*flowRun, bool) {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

func (e *engineImpl) Resume(ctx context.Context, executionID, nodeKey string, payload map[string]any) error {
	r, ok := e.lookup(executionID)
	if !ok {
		return e.notLive(ctx, executionID)
	}
	return r.requestResume(ctx, nodeKey, payload)
}

func (e *engineImpl) Cancel(ctx context.Context, executionID string) error {
	r, ok := e.lookup(executionID)
	if !ok {
		return e.notLive(ctx, executionID)
	}
	if r.finished() {
		return fmt.Errorf("execution %s: %w", executionID, api.ErrExecutionFinished)
	}
	r.cancel(context.Canceled)
	return nil
}

func (e *engineImpl) Get(ctx context.Context, executionID string) (*api.ExecutionResult, error) {
	if r, ok := e.lookup(executionID); ok {
		return r.snapshot(), nil
	}
	if e.reader == nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, api.ErrExecutionNotFound)
	}
	return readResult(ctx, e.reader, executionID)
}

// readResult assembles a run from the read side of a store.
func readResult(ctx context.Context, rd api.Reader, id string) (*api.ExecutionResult, error) {
	exec, err := rd.GetFlowExecution(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("execution %s: %w", id, api.ErrExecutionNotFound)
		}
		return nil, err
	}
	nodes, err := rd.ListNodeExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	trs, err := rd.ListEdgeTraversals(ctx, id)
	if err != nil {
		return nil, err
	}
	return &api.ExecutionResult{Execution: exec, Nodes: nodes, Traversals: trs}, nil
}

func (e *engineImpl) RecordFeedback(ctx context.Context, executionID string, fb api.UserFeedback) error {
	if fb.At.IsZero() {
		fb.At = time.Now()
	}

	var snap *api.FlowExecution
	if r, ok := e.lookup(executionID); ok {
		if !r.finished() {
			return fmt.Errorf("execution %s: %w", executionID, api.ErrExecutionActive)
		}
		r.mu.Lock()
		stored := fb
		r.exec.Feedback = &stored
		snap = r.exec.Clone()
		r.mu.Unlock()
	} else {
		if e.reader == nil {
			return fmt.Errorf("execution %s: %w", executionID, api.ErrExecutionNotFound)
		}
		res, err := readResult(ctx, e.reader, executionID)
		if err != nil {
			return err
		}
		snap = res.Execution
		stored := fb
		snap.Feedback = &stored
	}

	if err := e.sink.WriteFlowExecution(ctx, snap); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	converted := fb.Converted
	e.selector.RecordFeedback(snap.FlowName, snap.VariantID, fb.Rating, &converted)
	return nil
}

func (e *engineImpl) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		// Paused runs would never finish on their own.
		e.runsMu.RLock()
		for _, r := range e.runs {
			r.mu.Lock()
			paused := r.exec.Paused
			r.mu.Unlock()
			if paused {
				r.cancel(ErrClosed)
			}
		}
		e.runsMu.RUnlock()
		e.wg.Wait()
		e.async.Close()
		if e.ownsExec {
			e.exec.Close()
		}
	})
	return nil
}
