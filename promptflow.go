package promptflow

import (
	"context"
	"database/sql"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/promptflow/internal/engine"
	"github.com/petrijr/promptflow/internal/graph"
	"github.com/petrijr/promptflow/internal/hclflow"
	"github.com/petrijr/promptflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine           = api.Engine
	Handle           = api.Handle
	Options          = engine.Options
	StartOptions     = api.StartOptions
	BatchItem        = api.BatchItem
	FlowDefinition   = api.FlowDefinition
	Node             = api.Node
	Edge             = api.Edge
	NodeType         = api.NodeType
	EdgeType         = api.EdgeType
	RetryPolicy      = api.RetryPolicy
	TemplateRef      = api.TemplateRef
	FlowVariant      = api.FlowVariant
	UserFeedback     = api.UserFeedback
	ExecutionResult  = api.ExecutionResult
	FlowExecution    = api.FlowExecution
	NodeExecution    = api.NodeExecution
	EdgeTraversal    = api.EdgeTraversal
	FlowStatus       = api.FlowStatus
	NodeStatus       = api.NodeStatus
	ValidationResult = api.ValidationResult

	Invoker              = api.Invoker
	InvokeRequest        = api.InvokeRequest
	InvokeResult         = api.InvokeResult
	ExternalCaller       = api.ExternalCaller
	ExternalRequest      = api.ExternalRequest
	TemplateResolver     = api.TemplateResolver
	ResolvedTemplate     = api.ResolvedTemplate
	InvokerFunc          = api.InvokerFunc
	ExternalCallerFunc   = api.ExternalCallerFunc
	TemplateResolverFunc = api.TemplateResolverFunc

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusPending            = api.FlowPending
	StatusRunning            = api.FlowRunning
	StatusCompleted          = api.FlowCompleted
	StatusFailed             = api.FlowFailed
	StatusCancelled          = api.FlowCancelled
	StatusTimedOut           = api.FlowTimedOut
	StatusPartiallyCompleted = api.FlowPartiallyCompleted
)

const (
	NodePending   = api.NodePending
	NodeRunning   = api.NodeRunning
	NodeCompleted = api.NodeCompleted
	NodeFailed    = api.NodeFailed
	NodeSkipped   = api.NodeSkipped
	NodePaused    = api.NodePaused
	NodeTimedOut  = api.NodeTimedOut
	NodeCancelled = api.NodeCancelled
	NodeRetrying  = api.NodeRetrying
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns an Engine whose storage is taken from opts.Sink and
// opts.Reader. Without them records are discarded.
func NewEngine(opts Options) (Engine, error) {
	return engine.New(opts)
}

// NewInMemoryEngine returns an Engine that keeps run records in memory.
func NewInMemoryEngine(opts Options) (Engine, error) {
	return engine.NewInMemoryEngine(opts)
}

// NewSQLiteEngine returns an Engine that records runs in SQLite.
func NewSQLiteEngine(db *sql.DB, opts Options) (Engine, error) {
	return engine.NewSQLiteEngine(db, opts)
}

// NewPostgresEngine returns an Engine that records runs in PostgreSQL. db
// must use the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, opts Options) (Engine, error) {
	return engine.NewPostgresEngine(db, opts)
}

// NewRedisEngine returns an Engine that records runs in Redis.
func NewRedisEngine(client *redis.Client, opts Options) (Engine, error) {
	return engine.NewRedisEngine(client, opts)
}

// NewMongoEngine returns an Engine that records runs in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string, opts Options) (Engine, error) {
	return engine.NewMongoEngine(client, dbName, opts)
}

// NewBadgerEngine returns an Engine that records runs in badger.
func NewBadgerEngine(db *badger.DB, opts Options) (Engine, error) {
	return engine.NewBadgerEngine(db, opts)
}

// Validate checks a definition without registering it.
func Validate(def FlowDefinition) ValidationResult {
	return graph.Validate(def)
}

// LoadFlows parses every flow in an HCL file.
func LoadFlows(ctx context.Context, path string) ([]FlowDefinition, error) {
	return hclflow.LoadFile(ctx, path)
}

// LoadFlowDir parses every *.hcl file under dir in name order.
func LoadFlowDir(ctx context.Context, dir string) ([]FlowDefinition, error) {
	return hclflow.LoadDir(ctx, dir)
}

// RegisterDir loads every *.hcl file under dir and registers its flows.
// It stops at the first definition the engine rejects.
func RegisterDir(ctx context.Context, eng Engine, dir string) ([]ValidationResult, error) {
	defs, err := hclflow.LoadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	results := make([]ValidationResult, 0, len(defs))
	for _, def := range defs {
		res, err := eng.RegisterFlow(def)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Convenience helpers that just forward to the underlying Engine.

// Run runs a registered flow and waits until it ends or pauses.
func Run(ctx context.Context, eng Engine, name string, input map[string]any) (*ExecutionResult, error) {
	return eng.Run(ctx, name, input, StartOptions{})
}

// Get fetches a run by execution ID.
func Get(ctx context.Context, eng Engine, id string) (*ExecutionResult, error) {
	return eng.Get(ctx, id)
}

// Resume delivers payload to the paused UserInput node of a run.
func Resume(ctx context.Context, eng Engine, id, nodeKey string, payload map[string]any) error {
	return eng.Resume(ctx, id, nodeKey, payload)
}
