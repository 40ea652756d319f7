package api

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives status-transition callbacks from the engine for logging,
// metrics and external monitoring.
//
// The engine passes snapshots; observers may retain them. The engine wraps
// the configured observer with NewAsyncObserver, so implementations never
// delay the scheduler, but they should still be cheap.
type Observer interface {
	// OnFlowStart is called once when a run enters Running.
	OnFlowStart(ctx context.Context, exec *FlowExecution)

	// OnFlowCompleted is called when a run ends Completed or
	// PartiallyCompleted.
	OnFlowCompleted(ctx context.Context, exec *FlowExecution)

	// OnFlowFailed is called when a run ends Failed, TimedOut or Cancelled.
	OnFlowFailed(ctx context.Context, exec *FlowExecution, err error)

	// OnNodeStart is called when a node is dispatched.
	OnNodeStart(ctx context.Context, exec *FlowExecution, node *NodeExecution)

	// OnNodeCompleted is called once per NodeExecution when it turns
	// terminal, for successes and failures (err != nil).
	OnNodeCompleted(ctx context.Context, exec *FlowExecution, node *NodeExecution, err error, duration time.Duration)

	// OnEdgeTraversed is called for every evaluated edge, fired or not.
	OnEdgeTraversed(ctx context.Context, exec *FlowExecution, tr EdgeTraversal)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, exec *FlowExecution)                {}
func (NoopObserver) OnFlowCompleted(ctx context.Context, exec *FlowExecution)            {}
func (NoopObserver) OnFlowFailed(ctx context.Context, exec *FlowExecution, err error)    {}
func (NoopObserver) OnNodeStart(ctx context.Context, exec *FlowExecution, node *NodeExecution) {
}
func (NoopObserver) OnNodeCompleted(ctx context.Context, exec *FlowExecution, node *NodeExecution, err error, d time.Duration) {
}
func (NoopObserver) OnEdgeTraversed(ctx context.Context, exec *FlowExecution, tr EdgeTraversal) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, exec *FlowExecution) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnFlowCompleted(ctx context.Context, exec *FlowExecution) {
	for _, o := range c.observers {
		o.OnFlowCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnFlowFailed(ctx context.Context, exec *FlowExecution, err error) {
	for _, o := range c.observers {
		o.OnFlowFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnNodeStart(ctx context.Context, exec *FlowExecution, node *NodeExecution) {
	for _, o := range c.observers {
		o.OnNodeStart(ctx, exec, node)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, exec *FlowExecution, node *NodeExecution, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, exec, node, err, d)
	}
}

func (c *CompositeObserver) OnEdgeTraversed(ctx context.Context, exec *FlowExecution, tr EdgeTraversal) {
	for _, o := range c.observers {
		o.OnEdgeTraversed(ctx, exec, tr)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs flow and node lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, exec *FlowExecution) {
	o.Logger.InfoContext(ctx, "flow_start",
		slog.String("flow", exec.FlowName),
		slog.String("version", exec.FlowVersion),
		slog.String("execution_id", exec.ID),
		slog.String("variant_id", exec.VariantID),
	)
}

func (o *LoggingObserver) OnFlowCompleted(ctx context.Context, exec *FlowExecution) {
	o.Logger.InfoContext(ctx, "flow_completed",
		slog.String("flow", exec.FlowName),
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Float64("cost", exec.TotalCost),
		slog.Int64("tokens", exec.TotalTokens),
		slog.Duration("duration", exec.Duration),
	)
}

func (o *LoggingObserver) OnFlowFailed(ctx context.Context, exec *FlowExecution, err error) {
	o.Logger.ErrorContext(ctx, "flow_failed",
		slog.String("flow", exec.FlowName),
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnNodeStart(ctx context.Context, exec *FlowExecution, node *NodeExecution) {
	o.Logger.DebugContext(ctx, "node_start",
		slog.String("flow", exec.FlowName),
		slog.String("execution_id", exec.ID),
		slog.String("node", node.NodeKey),
		slog.Int("execution_order", node.ExecutionOrder),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, exec *FlowExecution, node *NodeExecution, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("flow", exec.FlowName),
		slog.String("execution_id", exec.ID),
		slog.String("node", node.NodeKey),
		slog.String("status", string(node.Status)),
		slog.Int("retry_count", node.RetryCount),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEdgeTraversed(ctx context.Context, exec *FlowExecution, tr EdgeTraversal) {
	o.Logger.DebugContext(ctx, "edge_traversed",
		slog.String("execution_id", exec.ID),
		slog.String("edge", tr.EdgeID),
		slog.Int64("sequence", tr.Sequence),
		slog.Bool("fires", tr.Fires),
		slog.String("reason", tr.Reason),
	)
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	flowsStarted   atomic.Int64
	flowsCompleted atomic.Int64
	flowsFailed    atomic.Int64
	nodesCompleted atomic.Int64
	nodesFailed    atomic.Int64
	edgesFired     atomic.Int64
	totalNodeTime  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	FlowsStarted   int64
	FlowsCompleted int64
	FlowsFailed    int64
	PendingFlows   int64

	NodesCompleted  int64
	NodesFailed     int64
	EdgesFired      int64
	AvgNodeDuration time.Duration
}

func (m *BasicMetrics) OnFlowStart(ctx context.Context, exec *FlowExecution) {
	m.flowsStarted.Add(1)
}

func (m *BasicMetrics) OnFlowCompleted(ctx context.Context, exec *FlowExecution) {
	m.flowsCompleted.Add(1)
}

func (m *BasicMetrics) OnFlowFailed(ctx context.Context, exec *FlowExecution, err error) {
	m.flowsFailed.Add(1)
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, exec *FlowExecution, node *NodeExecution, err error, d time.Duration) {
	// Only successful nodes count towards the average duration.
	if err != nil {
		m.nodesFailed.Add(1)
		return
	}
	m.nodesCompleted.Add(1)
	m.totalNodeTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnEdgeTraversed(ctx context.Context, exec *FlowExecution, tr EdgeTraversal) {
	if tr.Fires {
		m.edgesFired.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.flowsStarted.Load()
	completed := m.flowsCompleted.Load()
	failed := m.flowsFailed.Load()
	nodes := m.nodesCompleted.Load()
	totalNs := m.totalNodeTime.Load()

	var avg time.Duration
	if nodes > 0 {
		avg = time.Duration(totalNs / nodes)
	}

	return BasicMetricsSnapshot{
		FlowsStarted:    started,
		FlowsCompleted:  completed,
		FlowsFailed:     failed,
		PendingFlows:    started - completed - failed,
		NodesCompleted:  nodes,
		NodesFailed:     m.nodesFailed.Load(),
		EdgesFired:      m.edgesFired.Load(),
		AvgNodeDuration: avg,
	}
}

// AsyncObserver delivers events to an inner Observer from a single
// background goroutine. When the buffer is full, events are dropped and
// counted; the caller never blocks.
type AsyncObserver struct {
	inner   Observer
	events  chan func()
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncObserver wraps inner. buffer <= 0 defaults to 1024.
func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	if buffer <= 0 {
		buffer = 1024
	}
	a := &AsyncObserver{
		inner:  inner,
		events: make(chan func(), buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for fn := range a.events {
		fn()
	}
}

func (a *AsyncObserver) push(fn func()) {
	defer func() {
		// Send on a closed channel after Close; drop the event.
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.events <- fn:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits until buffered ones are delivered.
func (a *AsyncObserver) Close() {
	a.closeOnce.Do(func() {
		close(a.events)
	})
	<-a.done
}

// Flush blocks until every event queued before the call was delivered, or
// ctx ends.
func (a *AsyncObserver) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	select {
	case a.events <- func() { close(marker) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncObserver) OnFlowStart(ctx context.Context, exec *FlowExecution) {
	ctx = context.WithoutCancel(ctx)
	a.push(func() { a.inner.OnFlowStart(ctx, exec) })
}

func (a *AsyncObserver) OnFlowCompleted(ctx context.Context, exec *FlowExecution) {
	ctx = context.WithoutCancel(ctx)
	a.push(func() { a.inner.OnFlowCompleted(ctx, exec) })
}

func (a *AsyncObserver) OnFlowFailed(ctx context.Context, exec *FlowExecution, err error) {
	ctx = context.WithoutCancel(ctx)
	a.push(func() { a.inner.OnFlowFailed(ctx, exec, err) })
}

func (a *AsyncObserver) OnNodeStart(ctx context.Context, exec *FlowExecution, node *NodeExecution) {
	ctx = context.WithoutCancel(ctx)
	a.push(func() { a.inner.OnNodeStart(ctx, exec, node) })
}

func (a *AsyncObserver) OnNodeCompleted(ctx context.Context, exec *FlowExecution, node *NodeExecution, err error, d time.Duration) {
	ctx = context.WithoutCancel(ctx)
	a.push(func() { a.inner.OnNodeCompleted(ctx, exec, node, err, d) })
}

func (a *AsyncObserver) OnEdgeTraversed(ctx context.Context, exec *FlowExecution, tr EdgeTraversal) {
	ctx = context.WithoutCancel(ctx)
	a.push(func() { a.inner.OnEdgeTraversed(ctx, exec, tr) })
}
