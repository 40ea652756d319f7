package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// EventObserver is an api.Observer that appends a FlowEvent to an
// EventStore for each lifecycle callback and each fired edge.
type EventObserver struct {
	store  EventStore
	logger *slog.Logger

	mu sync.Mutex
	// paused maps an execution to the node it waits on.
	paused map[string]string
}

var _ api.Observer = (*EventObserver)(nil)

func NewEventObserver(store EventStore, logger *slog.Logger) *EventObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventObserver{store: store, logger: logger, paused: make(map[string]string)}
}

func (o *EventObserver) append(ctx context.Context, exec *api.FlowExecution, typ api.EventType, nodeKey, detail string) {
	ev := api.FlowEvent{
		ExecutionID: exec.ID,
		At:          time.Now(),
		Type:        typ,
		FlowName:    exec.FlowName,
		FlowVersion: exec.FlowVersion,
		NodeKey:     nodeKey,
		Detail:      detail,
	}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		o.logger.Warn("event_append_failed",
			slog.String("execution_id", exec.ID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (o *EventObserver) OnFlowStart(ctx context.Context, exec *api.FlowExecution) {
	o.append(ctx, exec, api.EventFlowStarted, "", "")
}

func (o *EventObserver) OnFlowCompleted(ctx context.Context, exec *api.FlowExecution) {
	o.forget(exec.ID)
	o.append(ctx, exec, api.EventFlowCompleted, "", string(exec.Status))
}

func (o *EventObserver) OnFlowFailed(ctx context.Context, exec *api.FlowExecution, err error) {
	o.forget(exec.ID)
	detail := string(exec.Status)
	if err != nil {
		detail += ": " + err.Error()
	}
	o.append(ctx, exec, api.EventFlowFailed, "", detail)
}

func (o *EventObserver) OnNodeStart(ctx context.Context, exec *api.FlowExecution, node *api.NodeExecution) {
	if node.Status == api.NodePaused {
		o.mu.Lock()
		o.paused[exec.ID] = node.ID
		o.mu.Unlock()
		o.append(ctx, exec, api.EventFlowPaused, node.NodeKey, "")
		return
	}
	o.append(ctx, exec, api.EventNodeStarted, node.NodeKey, "")
}

func (o *EventObserver) OnNodeCompleted(ctx context.Context, exec *api.FlowExecution, node *api.NodeExecution, err error, d time.Duration) {
	o.mu.Lock()
	wasPaused := o.paused[exec.ID] == node.ID
	if wasPaused {
		delete(o.paused, exec.ID)
	}
	o.mu.Unlock()
	if !wasPaused && node.NodeType == api.NodeUserInput {
		wasPaused = o.pausedInHistory(ctx, exec.ID, node.NodeKey)
	}

	// A paused node that finishes on its own was resumed, unless it timed
	// out or was cancelled while waiting.
	if wasPaused && node.Status != api.NodeTimedOut && node.Status != api.NodeCancelled {
		o.append(ctx, exec, api.EventFlowResumed, node.NodeKey, "")
	}
	if err != nil {
		o.append(ctx, exec, api.EventNodeFailed, node.NodeKey, err.Error())
		return
	}
	o.append(ctx, exec, api.EventNodeCompleted, node.NodeKey, string(node.Status))
}

func (o *EventObserver) OnEdgeTraversed(ctx context.Context, exec *api.FlowExecution, tr api.EdgeTraversal) {
	if !tr.Fires {
		return
	}
	o.append(ctx, exec, api.EventEdgeFired, "", tr.EdgeID)
}

// pausedInHistory reports whether the stored history leaves nodeKey paused.
// A run resumed by another process never passed through this observer's
// OnNodeStart.
func (o *EventObserver) pausedInHistory(ctx context.Context, executionID, nodeKey string) bool {
	evs, err := o.store.QueryEvents(ctx, EventQuery{
		ExecutionID: executionID,
		NodeKey:     nodeKey,
		Types:       []api.EventType{api.EventFlowPaused, api.EventFlowResumed},
		Latest:      1,
	})
	if err != nil {
		o.logger.Warn("event_query_failed", slog.String("execution_id", executionID), slog.Any("error", err))
		return false
	}
	return len(evs) == 1 && evs[0].Type == api.EventFlowPaused
}

func (o *EventObserver) forget(id string) {
	o.mu.Lock()
	delete(o.paused, id)
	o.mu.Unlock()
}
