package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/promptflow/pkg/api"
)

// MemoryStore is a Store that keeps every record in memory. Records are
// cloned on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string]*api.FlowExecution
	nodes map[string]map[string]*api.NodeExecution
	edges map[string]map[string]api.EdgeTraversal
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows: make(map[string]*api.FlowExecution),
		nodes: make(map[string]map[string]*api.NodeExecution),
		edges: make(map[string]map[string]api.EdgeTraversal),
	}
}

func (s *MemoryStore) WriteFlowExecution(ctx context.Context, exec *api.FlowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) WriteNodeExecution(ctx context.Context, node *api.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.nodes[node.ExecutionID]
	if !ok {
		m = make(map[string]*api.NodeExecution)
		s.nodes[node.ExecutionID] = m
	}
	m[node.ID] = node.Clone()
	return nil
}

func (s *MemoryStore) WriteEdgeTraversal(ctx context.Context, tr *api.EdgeTraversal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.edges[tr.ExecutionID]
	if !ok {
		m = make(map[string]api.EdgeTraversal)
		s.edges[tr.ExecutionID] = m
	}
	m[tr.ID] = cloneTraversal(*tr)
	return nil
}

func (s *MemoryStore) GetFlowExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*api.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*api.NodeExecution, 0, len(s.nodes[executionID]))
	for _, n := range s.nodes[executionID] {
		out = append(out, n.Clone())
	}
	sortNodes(out)
	return out, nil
}

func (s *MemoryStore) ListEdgeTraversals(ctx context.Context, executionID string) ([]api.EdgeTraversal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.EdgeTraversal, 0, len(s.edges[executionID]))
	for _, tr := range s.edges[executionID] {
		out = append(out, cloneTraversal(tr))
	}
	sortTraversals(out)
	return out, nil
}

func (s *MemoryStore) ListFlowExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.FlowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.FlowExecution
	for _, exec := range s.flows {
		if filter.matches(exec) {
			out = append(out, exec.Clone())
		}
	}
	sortExecutions(out)
	return out, nil
}

func cloneTraversal(tr api.EdgeTraversal) api.EdgeTraversal {
	tr.Payload = api.CloneDocument(tr.Payload)
	if tr.ConditionResult != nil {
		v := *tr.ConditionResult
		tr.ConditionResult = &v
	}
	return tr
}
