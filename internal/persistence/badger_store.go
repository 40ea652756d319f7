package persistence

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/petrijr/promptflow/pkg/api"
)

// BadgerStore is a Store over an embedded badger database. Keys:
//
//	flow/<id>
//	node/<execution id>/<node execution id>
//	edge/<execution id>/<traversal id>
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore wraps an open database. The caller owns db and closes it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerInMemory opens a throwaway in-memory database.
func OpenBadgerInMemory() (*badger.DB, error) {
	return badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func flowKey(id string) []byte { return []byte("flow/" + id) }

func nodePrefix(execID string) []byte { return []byte("node/" + execID + "/") }

func edgePrefix(execID string) []byte { return []byte("edge/" + execID + "/") }

func (s *BadgerStore) put(key []byte, v any) error {
	doc, err := encodeRecord(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, doc)
	})
}

func (s *BadgerStore) WriteFlowExecution(ctx context.Context, exec *api.FlowExecution) error {
	return s.put(flowKey(exec.ID), exec)
}

func (s *BadgerStore) WriteNodeExecution(ctx context.Context, node *api.NodeExecution) error {
	return s.put(append(nodePrefix(node.ExecutionID), node.ID...), node)
}

func (s *BadgerStore) WriteEdgeTraversal(ctx context.Context, tr *api.EdgeTraversal) error {
	return s.put(append(edgePrefix(tr.ExecutionID), tr.ID...), tr)
}

func (s *BadgerStore) GetFlowExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	var doc []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(flowKey(id))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeFlow(doc)
}

// scan returns copies of every value under prefix.
func (s *BadgerStore) scan(ctx context.Context, prefix []byte) ([][]byte, error) {
	var docs [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

func (s *BadgerStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*api.NodeExecution, error) {
	docs, err := s.scan(ctx, nodePrefix(executionID))
	if err != nil {
		return nil, err
	}
	out := make([]*api.NodeExecution, 0, len(docs))
	for _, doc := range docs {
		n, err := decodeNode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sortNodes(out)
	return out, nil
}

func (s *BadgerStore) ListEdgeTraversals(ctx context.Context, executionID string) ([]api.EdgeTraversal, error) {
	docs, err := s.scan(ctx, edgePrefix(executionID))
	if err != nil {
		return nil, err
	}
	out := make([]api.EdgeTraversal, 0, len(docs))
	for _, doc := range docs {
		tr, err := decodeTraversal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	sortTraversals(out)
	return out, nil
}

func (s *BadgerStore) ListFlowExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.FlowExecution, error) {
	docs, err := s.scan(ctx, []byte("flow/"))
	if err != nil {
		return nil, err
	}
	var out []*api.FlowExecution
	for _, doc := range docs {
		exec, err := decodeFlow(doc)
		if err != nil {
			return nil, err
		}
		if filter.matches(exec) {
			out = append(out, exec)
		}
	}
	sortExecutions(out)
	return out, nil
}
