package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// maxEventDetail bounds FlowEvent.Detail in every store. Events carry edge
// ids and error strings, never payloads.
const maxEventDetail = 1024

// EventStore is an append-only history store for flow execution events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.FlowEvent) error
	ListEvents(ctx context.Context, executionID string) ([]api.FlowEvent, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]api.FlowEvent, error)
}

// EventQuery selects part of one execution's history. Empty fields match
// everything. Results are always in append order.
type EventQuery struct {
	ExecutionID string
	NodeKey     string
	Types       []api.EventType
	// Latest keeps only the most recent N matches when positive.
	Latest int
}

func (q EventQuery) matches(ev api.FlowEvent) bool {
	if q.NodeKey != "" && ev.NodeKey != q.NodeKey {
		return false
	}
	return len(q.Types) == 0 || slices.Contains(q.Types, ev.Type)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, executionID string) ([]api.FlowEvent, error) {
	return nil, nil
}
func (NoopEventStore) QueryEvents(ctx context.Context, q EventQuery) ([]api.FlowEvent, error) {
	return nil, nil
}

// MemoryEventStore keeps events in memory in append order.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.FlowEvent
}

var _ EventStore = (*MemoryEventStore)(nil)

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]api.FlowEvent)}
}

func (s *MemoryEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if len(ev.Detail) > maxEventDetail {
		ev.Detail = ev.Detail[:maxEventDetail]
	}
	s.mu.Lock()
	s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], ev)
	s.mu.Unlock()
	return nil
}

func (s *MemoryEventStore) ListEvents(ctx context.Context, executionID string) ([]api.FlowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.FlowEvent(nil), s.events[executionID]...), nil
}

func (s *MemoryEventStore) QueryEvents(ctx context.Context, q EventQuery) ([]api.FlowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.FlowEvent
	for _, ev := range s.events[q.ExecutionID] {
		if q.matches(ev) {
			out = append(out, ev)
		}
	}
	if q.Latest > 0 && len(out) > q.Latest {
		out = out[len(out)-q.Latest:]
	}
	return out, nil
}
