package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/promptflow/pkg/api"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "promptflow:"

// RedisStore is a Store backed by Redis.
//
// Layout:
//
//	<prefix>exec:<id>            JSON flow execution
//	<prefix>nodes:<id>           hash node execution id -> JSON
//	<prefix>edges:<id>           hash traversal id -> JSON
//	<prefix>idx:all              set of execution ids
//	<prefix>idx:flow:<name>      set of execution ids per flow
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store using client. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyExec(id string) string { return s.prefix + "exec:" + id }
func (s *RedisStore) keyNodes(id string) string { return s.prefix + "nodes:" + id }
func (s *RedisStore) keyEdges(id string) string { return s.prefix + "edges:" + id }
func (s *RedisStore) keyAll() string { return s.prefix + "idx:all" }
func (s *RedisStore) keyFlow(name string) string { return s.prefix + "idx:flow:" + name }

func (s *RedisStore) WriteFlowExecution(ctx context.Context, exec *api.FlowExecution) error {
	doc, err := encodeRecord(exec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.keyExec(exec.ID), doc, 0)
		p.SAdd(ctx, s.keyAll(), exec.ID)
		p.SAdd(ctx, s.keyFlow(exec.FlowName), exec.ID)
		return nil
	})
	return err
}

func (s *RedisStore) WriteNodeExecution(ctx context.Context, node *api.NodeExecution) error {
	doc, err := encodeRecord(node)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.keyNodes(node.ExecutionID), node.ID, doc).Err()
}

func (s *RedisStore) WriteEdgeTraversal(ctx context.Context, tr *api.EdgeTraversal) error {
	doc, err := encodeRecord(tr)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.keyEdges(tr.ExecutionID), tr.ID, doc).Err()
}

func (s *RedisStore) GetFlowExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	data, err := s.client.Get(ctx, s.keyExec(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeFlow(data)
}

func (s *RedisStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*api.NodeExecution, error) {
	m, err := s.client.HGetAll(ctx, s.keyNodes(executionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*api.NodeExecution, 0, len(m))
	for _, doc := range m {
		n, err := decodeNode([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sortNodes(out)
	return out, nil
}

func (s *RedisStore) ListEdgeTraversals(ctx context.Context, executionID string) ([]api.EdgeTraversal, error) {
	m, err := s.client.HGetAll(ctx, s.keyEdges(executionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.EdgeTraversal, 0, len(m))
	for _, doc := range m {
		tr, err := decodeTraversal([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	sortTraversals(out)
	return out, nil
}

func (s *RedisStore) ListFlowExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.FlowExecution, error) {
	idx := s.keyAll()
	if filter.FlowName != "" {
		idx = s.keyFlow(filter.FlowName)
	}
	ids, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyExec(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []*api.FlowExecution
	for _, v := range vals {
		doc, ok := v.(string)
		if !ok {
			continue
		}
		exec, err := decodeFlow([]byte(doc))
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
