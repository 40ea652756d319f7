package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/promptflow/pkg/api"
)

// DefaultMongoDatabase is used when NewMongoStore is given no name.
const DefaultMongoDatabase = "promptflow"

const mongoOpTimeout = 5 * time.Second

// MongoStore is a Store backed by three MongoDB collections.
type MongoStore struct {
	flows *mongo.Collection
	nodes *mongo.Collection
	edges *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore returns a store over dbName, which defaults to
// DefaultMongoDatabase.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = DefaultMongoDatabase
	}
	db := client.Database(dbName)
	return &MongoStore{
		flows: db.Collection("flow_executions"),
		nodes: db.Collection("node_executions"),
		edges: db.Collection("edge_traversals"),
	}
}

// mongoDoc is the stored shape of every record. Order is the start time
// for flows, the execution order for nodes and the sequence for edges.
type mongoDoc struct {
	ID          string `bson:"_id"`
	ExecutionID string `bson:"execution_id,omitempty"`
	FlowName    string `bson:"flow_name,omitempty"`
	Status      string `bson:"status,omitempty"`
	Order       int64  `bson:"order"`
	Payload     []byte `bson:"payload"`
}

func (s *MongoStore) replace(ctx context.Context, coll *mongo.Collection, doc mongoDoc) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) WriteFlowExecution(ctx context.Context, exec *api.FlowExecution) error {
	payload, err := encodeRecord(exec)
	if err != nil {
		return err
	}
	return s.replace(ctx, s.flows, mongoDoc{
		ID:       exec.ID,
		FlowName: exec.FlowName,
		Status:   string(exec.Status),
		Order:    exec.StartedAt.UnixNano(),
		Payload:  payload,
	})
}

func (s *MongoStore) WriteNodeExecution(ctx context.Context, node *api.NodeExecution) error {
	payload, err := encodeRecord(node)
	if err != nil {
		return err
	}
	return s.replace(ctx, s.nodes, mongoDoc{
		ID:          node.ID,
		ExecutionID: node.ExecutionID,
		Order:       int64(node.ExecutionOrder),
		Payload:     payload,
	})
}

func (s *MongoStore) WriteEdgeTraversal(ctx context.Context, tr *api.EdgeTraversal) error {
	payload, err := encodeRecord(tr)
	if err != nil {
		return err
	}
	return s.replace(ctx, s.edges, mongoDoc{
		ID:          tr.ID,
		ExecutionID: tr.ExecutionID,
		Order:       tr.Sequence,
		Payload:     payload,
	})
}

func (s *MongoStore) GetFlowExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoDoc
	err := s.flows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeFlow(doc.Payload)
}

func (s *MongoStore) find(ctx context.Context, coll *mongo.Collection, filter bson.M) ([]mongoDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*api.NodeExecution, error) {
	docs, err := s.find(ctx, s.nodes, bson.M{"execution_id": executionID})
	if err != nil {
		return nil, err
	}
	out := make([]*api.NodeExecution, 0, len(docs))
	for _, d := range docs {
		n, err := decodeNode(d.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *MongoStore) ListEdgeTraversals(ctx context.Context, executionID string) ([]api.EdgeTraversal, error) {
	docs, err := s.find(ctx, s.edges, bson.M{"execution_id": executionID})
	if err != nil {
		return nil, err
	}
	out := make([]api.EdgeTraversal, 0, len(docs))
	for _, d := range docs {
		tr, err := decodeTraversal(d.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func (s *MongoStore) ListFlowExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.FlowExecution, error) {
	q := bson.M{}
	if filter.FlowName != "" {
		q["flow_name"] = filter.FlowName
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	docs, err := s.find(ctx, s.flows, q)
	if err != nil {
		return nil, err
	}
	out := make([]*api.FlowExecution, 0, len(docs))
	for _, d := range docs {
		exec, err := decodeFlow(d.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}
