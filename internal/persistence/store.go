package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/petrijr/promptflow/pkg/api"
)

// ErrNotFound is returned when a flow execution is not in the store.
var ErrNotFound = errors.New("record not found")

// ExecutionFilter selects flow executions from a store.
// Empty fields mean "no filter" for that field.
type ExecutionFilter struct {
	FlowName string
	Status   api.FlowStatus
}

func (f ExecutionFilter) matches(exec *api.FlowExecution) bool {
	if f.FlowName != "" && exec.FlowName != f.FlowName {
		return false
	}
	if f.Status != "" && exec.Status != f.Status {
		return false
	}
	return true
}

// Store is a sink that can also read its records back.
//
// Writes are upserts keyed by record ID: the engine writes a record each
// time it changes and the store keeps the latest version.
type Store interface {
	api.Sink
	api.Reader

	// ListFlowExecutions returns matching executions ordered by start time.
	ListFlowExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.FlowExecution, error)
}

func sortExecutions(execs []*api.FlowExecution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if !execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].StartedAt.Before(execs[j].StartedAt)
		}
		return execs[i].ID < execs[j].ID
	})
}

func sortNodes(nodes []*api.NodeExecution) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].ExecutionOrder < nodes[j].ExecutionOrder
	})
}

func sortTraversals(trs []api.EdgeTraversal) {
	sort.SliceStable(trs, func(i, j int) bool {
		return trs[i].Sequence < trs[j].Sequence
	})
}
