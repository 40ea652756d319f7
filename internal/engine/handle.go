package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/promptflow/pkg/api"
)

type runHandle struct {
	run *flowRun
}

var _ api.Handle = (*runHandle)(nil)

func (h *runHandle) ID() string { return h.run.exec.ID }

func (h *runHandle) Wait(ctx context.Context) (*api.ExecutionResult, error) {
	select {
	case <-h.run.done:
		return h.run.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *runHandle) Snapshot() *api.ExecutionResult { return h.run.snapshot() }

func (h *runHandle) Done() <-chan struct{} { return h.run.done }

func (h *runHandle) Cancel() { h.run.cancel(context.Canceled) }

// RunBatch runs items with at most MaxBatchConcurrency runs in flight.
// Results keep item order; an item that could not start leaves a nil slot
// and its error is returned after every other item finished.
func (e *engineImpl) RunBatch(ctx context.Context, flowName string, items []api.BatchItem) ([]*api.ExecutionResult, error) {
	batchID := uuid.NewString()
	results := make([]*api.ExecutionResult, len(items))

	var g errgroup.Group
	g.SetLimit(e.opts.MaxBatchConcurrency)
	for i, item := range items {
		g.Go(func() error {
			bc := &api.BatchContext{BatchID: batchID, Index: i, Total: len(items)}
			r, err := e.start(ctx, flowName, item.Input, item.Options, bc)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			res, err := waitSettled(ctx, r)
			results[i] = res
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
