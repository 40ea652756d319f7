package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/promptflow/internal/ctxlog"
	"github.com/petrijr/promptflow/internal/graph"
	"github.com/petrijr/promptflow/internal/nodeexec"
	"github.com/petrijr/promptflow/internal/retry"
	"github.com/petrijr/promptflow/internal/routing"
	"github.com/petrijr/promptflow/internal/telemetry"
	"github.com/petrijr/promptflow/pkg/api"
)

// slotState tracks one forward incoming edge of a node.
type slotState uint8

const (
	slotPending slotState = iota
	slotFired
	slotDead
	// slotFailed is a dead edge whose source failed without recovery.
	slotFailed
	// slotProvisional holds the latest decision of an edge leaving a loop.
	// It turns into settled once no work is left in the run.
	slotProvisional
)

type slot struct {
	state     slotState
	settled   slotState
	payload   map[string]any
	iteration int
}

// nodeState is the join state of one node.
type nodeState struct {
	slots map[int]*slot
	order []int

	// consumed is set once the node was dispatched or skipped for the
	// current activation.
	consumed bool

	// entries counts Loop edge re-entries.
	entries int

	last *api.NodeExecution
}

type readyItem struct {
	node        int
	input       map[string]any
	upstream    map[string]map[string]any
	triggeredBy string
	iteration   int
}

type taskResult struct {
	item readyItem
	ne   *api.NodeExecution
	out  retry.Outcome[nodeexec.Result]
}

type resumeRequest struct {
	nodeKey string
	payload map[string]any
	reply   chan error
}

type pausedNode struct {
	item  readyItem
	ne    *api.NodeExecution
	timer *time.Timer
}

type failure struct {
	order int
	msg   string
}

// flowRun drives one FlowExecution. The loop goroutine owns the join state
// and the ready queue; everything readable from outside sits behind mu.
type flowRun struct {
	eng    *engineImpl
	cf     *compiledFlow
	g      *graph.Graph
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger
	span   trace.Span

	baseName     string
	recordMetric bool

	mu         sync.Mutex
	exec       *api.FlowExecution
	nodes      []*api.NodeExecution
	traversals []api.EdgeTraversal
	vars       map[string]any
	batch      *api.BatchContext
	settled    chan struct{} // closed while paused or once finished
	done       chan struct{}

	seq atomic.Int64

	// loop-owned
	state    []*nodeState
	ready    []readyItem
	inflight int
	busy     map[int]int
	sem      *semaphore.Weighted
	paused   *pausedNode
	failures []failure
	order    int

	results  chan taskResult
	resumes  chan resumeRequest
	timeouts chan string
}

func newFlowRun(ctx context.Context, e *engineImpl, cf *compiledFlow, exec *api.FlowExecution, baseName string, record bool) *flowRun {
	g := cf.graph
	r := &flowRun{
		eng:          e,
		cf:           cf,
		g:            g,
		baseName:     baseName,
		recordMetric: record,
		exec:         exec,
		vars:         api.CloneDocument(exec.Variables),
		settled:      make(chan struct{}),
		done:         make(chan struct{}),
		state:        make([]*nodeState, g.NumNodes()),
		busy:         make(map[int]int),
		sem:          semaphore.NewWeighted(int64(e.opts.MaxConcurrency)),
		results:      make(chan taskResult),
		resumes:      make(chan resumeRequest),
		timeouts:     make(chan string),
	}
	if r.vars == nil {
		r.vars = map[string]any{}
	}
	for i := range r.state {
		ns := &nodeState{slots: make(map[int]*slot)}
		for _, e := range g.ForwardIn(i) {
			ns.slots[e] = &slot{}
			ns.order = append(ns.order, e)
		}
		r.state[i] = ns
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	timeout := time.Duration(cf.def.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.opts.FlowTimeout
	}
	if timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithDeadlineCause(runCtx, exec.StartedAt.Add(timeout),
			&api.TimeoutError{Scope: api.TimeoutFlow, Subject: exec.FlowName, After: timeout})
		inner := cancel
		cancel = func(cause error) {
			inner(cause)
			stop()
		}
	}
	r.logger = ctxlog.FromContext(ctx).With(
		slog.String("execution_id", exec.ID),
		slog.String("flow", exec.FlowName),
	)
	r.ctx = ctxlog.WithLogger(runCtx, r.logger)
	r.cancel = cancel
	return r
}

// sinkCtx outlives cancellation so final records are still written.
func (r *flowRun) sinkCtx() context.Context { return context.WithoutCancel(r.ctx) }

func (r *flowRun) loop() {
	defer r.cancel(nil)
	r.begin()

	for _, n := range r.g.Entries() {
		r.state[n].consumed = true
		r.enqueue(readyItem{node: n, input: api.CloneDocument(r.exec.Input)})
	}

	for {
		if r.ctx.Err() != nil {
			r.abort()
			return
		}
		r.dispatch()
		if r.inflight == 0 && r.paused == nil && len(r.ready) == 0 {
			if r.settle() {
				continue
			}
			r.finish(nil)
			return
		}

		select {
		case res := <-r.results:
			r.complete(res)
		case req := <-r.resumes:
			r.resume(req)
		case id := <-r.timeouts:
			r.pauseTimedOut(id)
		case <-r.ctx.Done():
			r.abort()
			return
		}
	}
}

func (r *flowRun) begin() {
	var ctx context.Context
	ctx, r.span = telemetry.StartFlow(r.ctx, r.exec)
	r.ctx = ctx

	r.mu.Lock()
	r.exec.Status = api.FlowRunning
	snap := r.exec.Clone()
	r.mu.Unlock()

	r.writeFlow(snap)
	r.eng.observer.OnFlowStart(r.ctx, snap)
}

// enqueue adds a node to the ready queue. Disabled nodes are skipped
// instead.
func (r *flowRun) enqueue(it readyItem) {
	if !r.g.Node(it.node).Enabled {
		r.skip(it.node)
		return
	}
	r.ready = append(r.ready, it)
}

// groups returns the serialization groups of a node: its predecessors, or
// -1 for entry nodes.
func (r *flowRun) groups(n int) []int {
	preds := r.g.Predecessors(n)
	if len(preds) == 0 {
		return []int{-1}
	}
	return preds
}

func (r *flowRun) blocked(n int) bool {
	for _, grp := range r.groups(n) {
		if r.busy[grp] > 0 {
			return true
		}
	}
	return false
}

func (r *flowRun) hold(n int, delta int) {
	if r.g.Node(n).AllowParallelExecution {
		return
	}
	for _, grp := range r.groups(n) {
		r.busy[grp] += delta
	}
}

// dispatch starts ready nodes in (priority, declaration) order until the
// concurrency cap is reached.
func (r *flowRun) dispatch() {
	if r.paused != nil || r.ctx.Err() != nil || len(r.ready) == 0 {
		return
	}
	sort.SliceStable(r.ready, func(i, j int) bool {
		pi := r.g.Node(r.ready[i].node).EffectivePriority()
		pj := r.g.Node(r.ready[j].node).EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return r.ready[i].node < r.ready[j].node
	})

	pending := r.ready
	r.ready = nil
	for _, it := range pending {
		node := r.g.Node(it.node)
		switch {
		case r.paused != nil:
			r.ready = append(r.ready, it)
		case node.Type == api.NodeUserInput:
			r.pause(it)
		case !node.AllowParallelExecution && r.blocked(it.node):
			r.ready = append(r.ready, it)
		case !r.sem.TryAcquire(1):
			r.ready = append(r.ready, it)
		default:
			r.launch(it)
		}
	}
}

// newRecord creates the NodeExecution for a dispatch.
func (r *flowRun) newRecord(it readyItem, status api.NodeStatus) *api.NodeExecution {
	node := r.g.Node(it.node)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order++
	ne := &api.NodeExecution{
		ID:             uuid.NewString(),
		ExecutionID:    r.exec.ID,
		NodeID:         node.ID,
		NodeKey:        node.Key,
		NodeType:       node.Type,
		ExecutionOrder: r.order,
		StartedAt:      time.Now(),
		Status:         status,
		Input:          api.CloneDocument(it.input),
		TriggeredBy:    it.triggeredBy,
		Iteration:      it.iteration,
	}
	r.nodes = append(r.nodes, ne)
	r.state[it.node].last = ne
	return ne
}

func (r *flowRun) launch(it readyItem) {
	ne := r.newRecord(it, api.NodeRunning)
	r.inflight++
	r.hold(it.node, 1)
	r.nodeStarted(ne)

	policy := retry.ForNode(r.g.Node(it.node), r.eng.opts.Retry)
	if policy.Timeout <= 0 {
		policy.Timeout = r.eng.opts.NodeTimeout
	}
	go r.runTask(it, ne, policy, r.varsSnapshot(), true)
}

func (r *flowRun) varsSnapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return api.CloneDocument(r.vars)
}

// runTask executes a node under its retry policy and reports back to the
// loop.
func (r *flowRun) runTask(it readyItem, ne *api.NodeExecution, policy retry.Policy, vars map[string]any, release bool) {
	node := r.g.Node(it.node)
	ctx := ctxlog.With(r.ctx, slog.String("node", node.Key))
	req := nodeexec.Request{
		ExecutionID: r.exec.ID,
		Node:        node,
		Input:       it.input,
		Upstream:    it.upstream,
		Vars:        vars,
		Iteration:   it.iteration,
		Program:     r.g.Program(it.node),
	}

	out := retry.ExecuteWithPolicy(ctx, policy, func(ctx context.Context, attempt int) (nodeexec.Result, error) {
		actx, span := telemetry.StartNode(ctx, node, attempt)
		areq := req
		areq.Attempt = attempt
		res, err := r.eng.exec.Execute(actx, areq)
		telemetry.EndSpan(span, err)
		return res, err
	}, retry.Hooks{
		OnAttempt: func(attempt int) {
			if attempt == 1 {
				return
			}
			r.mu.Lock()
			ne.Status = api.NodeRunning
			r.mu.Unlock()
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.mu.Lock()
			ne.Status = api.NodeRetrying
			ne.RetryCount++
			ne.DebugInfo = append(ne.DebugInfo, api.DebugEntry{
				At:      time.Now(),
				Attempt: attempt,
				Message: fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, delay, err),
			})
			r.mu.Unlock()
			ctxlog.FromContext(ctx).Warn("node_retry",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		},
	})

	// The slot is free before the loop sees the result, so its next
	// dispatch can reuse it.
	if release {
		r.sem.Release(1)
	}
	r.results <- taskResult{item: it, ne: ne, out: out}
}

func (r *flowRun) complete(res taskResult) {
	r.inflight--
	r.hold(res.item.node, -1)

	ne, out := res.ne, res.out
	r.mu.Lock()
	ne.CompletedAt = time.Now()
	ne.Status = out.Status
	ne.RetryCount = out.Retries
	if out.Status == api.NodeCompleted {
		v := out.Value
		ne.Output = v.Output
		ne.Cost = v.Cost
		ne.Tokens = v.Tokens
		ne.Quality = v.Quality
		ne.Confidence = v.Confidence
		ne.CacheHit = v.CacheHit
		ne.TemplateVersion = v.TemplateVersion
		r.exec.TotalCost += v.Cost
		r.exec.TotalTokens += v.Tokens
		for k, val := range v.Vars {
			r.vars[k] = val
		}
		if len(v.Vars) > 0 {
			r.exec.Variables = api.CloneDocument(r.vars)
		}
	} else if out.Err != nil {
		ne.ErrorMessage = out.Err.Error()
		ne.ErrorStackTrace = stackTrace(out.Err)
	}
	r.mu.Unlock()

	r.nodeFinished(ne, out.Err)
	if out.Status == api.NodeCancelled {
		return
	}
	r.route(res.item, ne, out.Value, out.Status)
}

// stackTrace returns the recovered panic stack, or the chain of wrapped
// errors when there is none.
func stackTrace(err error) string {
	if s := nodeexec.StackTrace(err); s != "" {
		return s
	}
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	return b.String()
}

// route evaluates the outgoing edges of a terminal node and feeds the
// decisions into the join state of the targets.
func (r *flowRun) route(it readyItem, ne *api.NodeExecution, res nodeexec.Result, status api.NodeStatus) {
	src := it.node
	decs := r.cf.router.Evaluate(src, routing.Outcome{
		Status:     status,
		Input:      ne.Input,
		Output:     res.Output,
		Iteration:  it.iteration,
		Continue:   res.Continue,
		CanReenter: r.canReenter,
	}, r.vars)

	fired := routing.AnyFired(decs)
	condErr := routing.FirstError(decs)
	failed := status == api.NodeFailed || status == api.NodeTimedOut
	if !fired {
		switch {
		case failed:
			r.failures = append(r.failures, failure{order: ne.ExecutionOrder, msg: fmt.Sprintf("node %s: %s", ne.NodeKey, ne.ErrorMessage)})
		case condErr != nil:
			failed = true
			r.failures = append(r.failures, failure{order: ne.ExecutionOrder, msg: fmt.Sprintf("node %s: %v", ne.NodeKey, condErr)})
		}
	} else {
		failed = false
	}

	payloads := make([]map[string]any, len(decs))
	for i, d := range decs {
		edge := r.g.Edge(d.Edge)
		tr := api.EdgeTraversal{
			ID:              uuid.NewString(),
			ExecutionID:     r.exec.ID,
			Sequence:        r.seq.Add(1),
			NodeExecutionID: ne.ID,
			EdgeID:          edge.ID,
			ConditionResult: d.ConditionResult,
			Fires:           d.Fires,
			Reason:          d.Reason,
			Success:         d.Err == nil,
			At:              time.Now(),
		}
		if d.Err != nil {
			tr.Error = d.Err.Error()
		}
		if d.Fires {
			payloads[i] = r.payload(edge, ne, res.Output, condErr)
			tr.Payload = api.CloneDocument(payloads[i])
		}
		r.recordTraversal(tr)
	}

	for i, d := range decs {
		edge := r.g.Edge(d.Edge)
		if edge.Type == api.EdgeLoop {
			if d.Fires {
				r.reenter(d.Edge, payloads[i])
			}
			continue
		}
		state := slotDead
		switch {
		case d.Fires:
			state = slotFired
		case failed:
			state = slotFailed
		}
		r.resolve(d.Edge, state, payloads[i], it.iteration)
	}
}

// payload is what a fired edge carries to its target. Handler edges carry a
// failure report, everything else the source output.
func (r *flowRun) payload(edge api.Edge, ne *api.NodeExecution, output map[string]any, condErr error) map[string]any {
	switch edge.Type {
	case api.EdgeErrorHandler, api.EdgeTimeout:
		msg := ne.ErrorMessage
		if msg == "" && condErr != nil {
			msg = condErr.Error()
		}
		rep := map[string]any{
			"error":  msg,
			"node":   ne.NodeKey,
			"status": string(ne.Status),
		}
		if ne.Input != nil {
			rep["input"] = api.CloneDocument(ne.Input)
		}
		if output != nil {
			rep["output"] = api.CloneDocument(output)
		}
		return rep
	default:
		return api.CloneDocument(output)
	}
}

func (r *flowRun) canReenter(target int) bool {
	return r.state[target].entries < r.g.Node(target).MaxIterations
}

// resolve records the decision of a forward edge on its target.
func (r *flowRun) resolve(e int, state slotState, payload map[string]any, iteration int) {
	t := r.g.Target(e)
	s := r.state[t].slots[e]
	if s == nil {
		return
	}
	if r.g.LeavesCycle(e) {
		s.state = slotProvisional
		s.settled = state
		s.payload = payload
		s.iteration = iteration
		return
	}
	s.state = state
	s.payload = payload
	s.iteration = iteration
	r.tryJoin(t)
}

// tryJoin dispatches or skips a node once all of its forward incoming
// edges are resolved.
func (r *flowRun) tryJoin(t int) {
	ns := r.state[t]
	if ns.consumed {
		return
	}
	var fired, syncFailed bool
	for _, e := range ns.order {
		switch ns.slots[e].state {
		case slotPending, slotProvisional:
			return
		case slotFired:
			fired = true
		case slotFailed:
			if r.g.Edge(e).Type == api.EdgeSynchronize {
				syncFailed = true
			}
		}
	}
	ns.consumed = true
	if syncFailed || !fired {
		r.skip(t)
		return
	}
	r.enqueue(r.joinItem(t))
}

func (r *flowRun) joinItem(t int) readyItem {
	ns := r.state[t]
	it := readyItem{node: t, iteration: ns.entries, upstream: make(map[string]map[string]any)}
	var fired []int
	for _, e := range ns.order {
		s := ns.slots[e]
		if s.state != slotFired {
			continue
		}
		fired = append(fired, e)
		src := r.g.Source(e)
		it.upstream[r.g.Node(src).Key] = s.payload
		if r.g.SameComponent(src, t) && s.iteration > it.iteration {
			it.iteration = s.iteration
		}
	}
	it.triggeredBy = r.g.Edge(fired[0]).ID
	if len(fired) == 1 {
		it.input = api.CloneDocument(ns.slots[fired[0]].payload)
		return it
	}
	it.input = make(map[string]any, len(it.upstream))
	for k, v := range it.upstream {
		it.input[k] = api.CloneDocument(v)
	}
	return it
}

// skip marks a node Skipped and propagates the dead path. A skip caused by
// an unrecovered failure keeps that taint on the outgoing edges.
func (r *flowRun) skip(t int) {
	ns := r.state[t]
	out := slotDead
	for _, s := range ns.slots {
		if s.state == slotFailed {
			out = slotFailed
			break
		}
	}
	if ns.last == nil {
		r.recordSkipped(t)
	}
	for _, e := range r.g.Out(t) {
		if r.g.Edge(e).Type == api.EdgeLoop {
			continue
		}
		r.resolve(e, out, nil, ns.entries)
	}
}

func (r *flowRun) recordSkipped(t int) {
	now := time.Now()
	ne := r.newRecord(readyItem{node: t, iteration: r.state[t].entries}, api.NodeSkipped)
	r.mu.Lock()
	ne.StartedAt = time.Time{}
	ne.CompletedAt = now
	r.mu.Unlock()
	r.nodeFinished(ne, nil)
}

// reenter restarts a loop at the target of a fired Loop edge. Join state
// inside the loop is reset; edges from outside keep their decisions.
func (r *flowRun) reenter(e int, payload map[string]any) {
	t := r.g.Target(e)
	ns := r.state[t]
	ns.entries++
	for _, m := range r.g.Component(t) {
		ms := r.state[m]
		ms.consumed = false
		for edge, s := range ms.slots {
			if r.g.SameComponent(r.g.Source(edge), m) {
				*s = slot{}
			}
		}
	}
	ns.consumed = true

	src := r.g.Source(e)
	r.enqueue(readyItem{
		node:        t,
		input:       api.CloneDocument(payload),
		upstream:    map[string]map[string]any{r.g.Node(src).Key: payload},
		triggeredBy: r.g.Edge(e).ID,
		iteration:   ns.entries,
	})
}

// settle finalizes provisional edges once the run has no work left. It
// reports whether any join state changed.
func (r *flowRun) settle() bool {
	var targets []int
	for t, ns := range r.state {
		touched := false
		for _, s := range ns.slots {
			if s.state == slotProvisional {
				s.state = s.settled
				touched = true
			}
		}
		if touched {
			targets = append(targets, t)
		}
	}
	for _, t := range targets {
		r.tryJoin(t)
	}
	return len(targets) > 0
}

// pause suspends the run on a UserInput node until Resume or its timeout.
func (r *flowRun) pause(it readyItem) {
	node := r.g.Node(it.node)
	ne := r.newRecord(it, api.NodePaused)
	p := &pausedNode{item: it, ne: ne}
	if t := node.Timeout(); t > 0 {
		id := ne.ID
		p.timer = time.AfterFunc(t, func() {
			select {
			case r.timeouts <- id:
			case <-r.done:
			}
		})
	}
	r.paused = p

	r.mu.Lock()
	r.exec.Paused = true
	snap := r.exec.Clone()
	close(r.settled)
	r.mu.Unlock()

	r.nodeStarted(ne)
	r.writeFlow(snap)
	r.logger.Info("flow_paused", slog.String("node", node.Key))
	if r.eng.closed.Load() {
		r.cancel(ErrClosed)
	}
}

// unpause clears the pause flag. Caller holds mu.
func (r *flowRun) unpauseLocked() {
	r.exec.Paused = false
	r.settled = make(chan struct{})
}

func (r *flowRun) resume(req resumeRequest) {
	p := r.paused
	if p == nil || r.g.Node(p.item.node).Key != req.nodeKey {
		req.reply <- fmt.Errorf("node %q: %w", req.nodeKey, api.ErrNotPaused)
		return
	}
	r.paused = nil
	if p.timer != nil {
		p.timer.Stop()
	}

	payload := api.CloneDocument(req.payload)
	if payload == nil {
		payload = map[string]any{}
	}
	r.mu.Lock()
	r.unpauseLocked()
	p.ne.Status = api.NodeRunning
	p.ne.Input = api.CloneDocument(payload)
	snap := r.exec.Clone()
	r.mu.Unlock()
	req.reply <- nil

	r.writeFlow(snap)
	r.logger.Info("flow_resumed", slog.String("node", req.nodeKey))

	it := p.item
	it.input = payload
	r.inflight++
	r.hold(it.node, 1)

	// The node timeout bounded the wait; the resumed attempt runs without it.
	policy := retry.ForNode(r.g.Node(it.node), r.eng.opts.Retry)
	policy.Timeout = 0
	go r.runTask(it, p.ne, policy, r.varsSnapshot(), false)
}

func (r *flowRun) pauseTimedOut(id string) {
	p := r.paused
	if p == nil || p.ne.ID != id {
		return
	}
	r.paused = nil
	node := r.g.Node(p.item.node)
	terr := &api.TimeoutError{Scope: api.TimeoutNode, Subject: node.Key, After: node.Timeout()}

	r.mu.Lock()
	r.unpauseLocked()
	p.ne.Status = api.NodeTimedOut
	p.ne.CompletedAt = time.Now()
	p.ne.ErrorMessage = terr.Error()
	r.mu.Unlock()

	r.nodeFinished(p.ne, terr)
	r.route(p.item, p.ne, nodeexec.Result{}, api.NodeTimedOut)
}

// abort stops the run after cancellation or the flow deadline. In-flight
// tasks are drained so no goroutine outlives the run.
func (r *flowRun) abort() {
	cause := context.Cause(r.ctx)
	if p := r.paused; p != nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		r.paused = nil
	}
	for r.inflight > 0 {
		res := <-r.results
		r.inflight--
		r.mu.Lock()
		res.ne.CompletedAt = time.Now()
		res.ne.RetryCount = res.out.Retries
		if res.out.Status == api.NodeCompleted {
			res.ne.Status = api.NodeCompleted
			res.ne.Output = res.out.Value.Output
			res.ne.Cost = res.out.Value.Cost
			res.ne.Tokens = res.out.Value.Tokens
			r.exec.TotalCost += res.out.Value.Cost
			r.exec.TotalTokens += res.out.Value.Tokens
		} else {
			res.ne.Status = api.NodeCancelled
		}
		r.mu.Unlock()
		r.nodeFinished(res.ne, res.out.Err)
	}

	// Anything still open, such as a paused node, is cancelled.
	var open []*api.NodeExecution
	r.mu.Lock()
	for _, ne := range r.nodes {
		if !ne.Status.Terminal() {
			ne.Status = api.NodeCancelled
			ne.CompletedAt = time.Now()
			open = append(open, ne)
		}
	}
	r.mu.Unlock()
	for _, ne := range open {
		r.nodeFinished(ne, cause)
	}

	r.finish(cause)
}

func isFlowTimeout(err error) bool {
	var te *api.TimeoutError
	return errors.As(err, &te) && te.Scope == api.TimeoutFlow
}

// finish settles the final FlowExecution status. cause is nil for a run
// that ran out of work.
func (r *flowRun) finish(cause error) {
	if cause == nil {
		for i, ns := range r.state {
			if ns.last == nil && r.g.Node(i).Enabled {
				r.recordSkipped(i)
			}
		}
	}
	sort.SliceStable(r.failures, func(i, j int) bool { return r.failures[i].order < r.failures[j].order })

	r.mu.Lock()
	exec := r.exec
	exec.CompletedAt = time.Now()
	exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)
	exec.Paused = false
	exec.Output = r.outputsLocked()
	exec.Variables = api.CloneDocument(r.vars)

	switch {
	case cause != nil && isFlowTimeout(cause):
		exec.Status = api.FlowTimedOut
		exec.ErrorMessage = cause.Error()
	case cause != nil:
		exec.Status = api.FlowCancelled
		exec.ErrorMessage = cause.Error()
	case len(r.failures) == 0:
		exec.Status = api.FlowCompleted
	case r.outputCompletedLocked():
		exec.Status = api.FlowPartiallyCompleted
	default:
		exec.Status = api.FlowFailed
	}
	if len(r.failures) > 0 && exec.Status != api.FlowCancelled {
		exec.ErrorMessage = r.failures[0].msg
	}
	snap := exec.Clone()
	r.mu.Unlock()

	r.writeFlow(snap)
	switch snap.Status {
	case api.FlowCompleted, api.FlowPartiallyCompleted:
		r.eng.observer.OnFlowCompleted(r.ctx, snap)
	default:
		r.eng.observer.OnFlowFailed(r.ctx, snap, errors.New(snap.ErrorMessage))
	}
	telemetry.EndFlow(r.sinkCtx(), r.span, snap)
	r.recordOutcome(snap)

	// Only the loop goroutine replaces settled, so it is read without mu.
	select {
	case <-r.settled:
	default:
		close(r.settled)
	}
	close(r.done)
}

// outputsLocked maps Output node keys to their latest completed output.
// Flows without Output nodes report their completed sink nodes instead.
func (r *flowRun) outputsLocked() map[string]any {
	keys := r.g.OutputNodes()
	if len(keys) == 0 {
		for i := 0; i < r.g.NumNodes(); i++ {
			if len(r.g.Out(i)) == 0 {
				keys = append(keys, i)
			}
		}
	}
	out := make(map[string]any)
	for _, i := range keys {
		if ne := r.state[i].last; ne != nil && ne.Status == api.NodeCompleted {
			out[ne.NodeKey] = api.CloneDocument(ne.Output)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *flowRun) outputCompletedLocked() bool {
	for _, i := range r.g.OutputNodes() {
		if ne := r.state[i].last; ne != nil && ne.Status == api.NodeCompleted {
			return true
		}
	}
	return false
}

func (r *flowRun) recordOutcome(exec *api.FlowExecution) {
	if !r.recordMetric || exec.Status == api.FlowCancelled {
		return
	}
	out := api.VariantOutcome{Cost: exec.TotalCost, Duration: exec.Duration}
	r.mu.Lock()
	var sum float64
	var n int
	for _, ne := range r.nodes {
		if ne.Status == api.NodeCompleted && ne.Quality > 0 {
			sum += ne.Quality
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		q := sum / float64(n)
		out.Quality = &q
	}
	r.eng.selector.RecordOutcome(r.baseName, exec.VariantID, out)
}

func (r *flowRun) recordTraversal(tr api.EdgeTraversal) {
	r.mu.Lock()
	r.traversals = append(r.traversals, tr)
	snap := r.exec.Clone()
	r.mu.Unlock()

	if err := r.eng.sink.WriteEdgeTraversal(r.sinkCtx(), &tr); err != nil {
		r.logger.Warn("sink_write_failed", slog.String("record", "edge_traversal"), slog.Any("error", err))
	}
	out := tr
	out.Payload = api.CloneDocument(tr.Payload)
	r.eng.observer.OnEdgeTraversed(r.ctx, snap, out)
}

func (r *flowRun) nodeStarted(ne *api.NodeExecution) {
	r.mu.Lock()
	snap, node := r.exec.Clone(), ne.Clone()
	r.mu.Unlock()
	r.eng.observer.OnNodeStart(r.ctx, snap, node)
}

func (r *flowRun) nodeFinished(ne *api.NodeExecution, err error) {
	r.mu.Lock()
	snap, node := r.exec.Clone(), ne.Clone()
	r.mu.Unlock()

	ctx := r.sinkCtx()
	if werr := r.eng.sink.WriteNodeExecution(ctx, node); werr != nil {
		r.logger.Warn("sink_write_failed", slog.String("record", "node_execution"), slog.Any("error", werr))
	}
	telemetry.RecordNode(ctx, node, node.Duration())
	if node.Status == api.NodeCompleted || node.Status == api.NodeSkipped {
		err = nil
	} else if err == nil {
		err = errors.New(node.ErrorMessage)
	}
	r.eng.observer.OnNodeCompleted(r.ctx, snap, node, err, node.Duration())
}

func (r *flowRun) writeFlow(snap *api.FlowExecution) {
	if err := r.eng.sink.WriteFlowExecution(r.sinkCtx(), snap); err != nil {
		r.logger.Warn("sink_write_failed", slog.String("record", "flow_execution"), slog.Any("error", err))
	}
}

// snapshot returns a consistent deep copy of the run.
func (r *flowRun) snapshot() *api.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &api.ExecutionResult{
		Execution:  r.exec.Clone(),
		Nodes:      make([]*api.NodeExecution, len(r.nodes)),
		Traversals: make([]api.EdgeTraversal, len(r.traversals)),
	}
	for i, ne := range r.nodes {
		res.Nodes[i] = ne.Clone()
	}
	for i, tr := range r.traversals {
		tr.Payload = api.CloneDocument(tr.Payload)
		res.Traversals[i] = tr
	}
	if r.batch != nil {
		b := *r.batch
		res.Batch = &b
	}
	return res
}

// settledCh is closed while the run is paused or once it finished.
func (r *flowRun) settledCh() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

func (r *flowRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// requestResume hands a resume request to the loop.
func (r *flowRun) requestResume(ctx context.Context, nodeKey string, payload map[string]any) error {
	req := resumeRequest{nodeKey: nodeKey, payload: payload, reply: make(chan error, 1)}
	select {
	case r.resumes <- req:
	case <-r.done:
		return fmt.Errorf("execution %s: %w", r.exec.ID, api.ErrExecutionFinished)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
