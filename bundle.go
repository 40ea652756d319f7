package promptflow

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/promptflow/internal/persistence"
	"github.com/petrijr/promptflow/internal/taskqueue"
	"github.com/petrijr/promptflow/pkg/config"
	workerpkg "github.com/petrijr/promptflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// Records serves run records, including listing by flow and status.
	Records persistence.Store
	// Events holds the lifecycle history of every run.
	Events persistence.EventStore

	// queue is kept unexported; the public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Run records, lifecycle events and queued tasks
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:promptflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := promptflow.NewSQLiteBundle(db, opts, worker.Config{MaxAttempts: 3})
//	// register flows on bundle.Engine
//	// enqueue work via bundle.Worker
func NewSQLiteBundle(db *sql.DB, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	p := persistence.Persistence{Records: store, Events: events}

	logger := opts.Logger
	if logger == nil {
		logger = cfg.Logger
	}
	opts.Sink = p.Records
	opts.Reader = p.Records
	opts.Observer = withEvents(opts.Observer, persistence.NewEventObserver(p.Events, logger))

	eng, err := NewEngine(opts)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	return &WorkerBundle{
		Engine:  eng,
		Worker:  workerpkg.NewWithConfig(eng, q, cfg),
		Records: p.Records,
		Events:  p.Events,
		queue:   q,
	}, nil
}

func withEvents(obs Observer, events Observer) Observer {
	if obs == nil {
		return events
	}
	return NewCompositeObserver(obs, events)
}

// backend is the storage chosen by a config: run records, lifecycle events
// and a task queue, plus the function releasing the connection.
type backend struct {
	records persistence.Store
	events  persistence.EventStore
	queue   taskqueue.Queue
	release func() error
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (*backend, error) {
	b := &backend{release: func() error { return nil }}
	var err error
	switch cfg.Driver {
	case config.DriverMemory:
		b.records = persistence.NewMemoryStore()
		b.queue = taskqueue.NewInMemoryQueue(1024)

	case config.DriverSQLite:
		var db *sql.DB
		if db, err = sql.Open("sqlite", cfg.DSN); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		b.release = db.Close
		if b.records, err = persistence.NewSQLiteStore(db); err == nil {
			var events *persistence.SQLiteEventStore
			if events, err = persistence.NewSQLiteEventStore(db); err == nil {
				b.events = events
				b.queue, err = taskqueue.NewSQLiteQueue(db)
			}
		}

	case config.DriverPostgres:
		var db *sql.DB
		if db, err = sql.Open("pgx", cfg.DSN); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.release = db.Close
		if b.records, err = persistence.NewPostgresStore(db); err == nil {
			b.queue, err = taskqueue.NewPostgresQueue(db)
		}

	case config.DriverRedis:
		var ropts *redis.Options
		if ropts, err = redis.ParseURL(cfg.DSN); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		b.release = client.Close
		b.records = persistence.NewRedisStore(client, persistence.DefaultRedisPrefix)
		b.queue = taskqueue.NewRedisQueue(client, persistence.DefaultRedisPrefix)

	case config.DriverMongo:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		var client *mongo.Client
		if client, err = mongo.Connect(cctx, options.Client().ApplyURI(cfg.DSN)); err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		b.release = func() error { return client.Disconnect(context.Background()) }
		b.records = persistence.NewMongoStore(client, cfg.Database)
		b.queue = taskqueue.NewMongoQueue(client, cfg.Database, "")

	case config.DriverBadger:
		bopts := badger.DefaultOptions(cfg.DSN).WithLogger(nil)
		if cfg.DSN == "" {
			bopts = bopts.WithInMemory(true)
		}
		var db *badger.DB
		if db, err = badger.Open(bopts); err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		b.release = db.Close
		b.records = persistence.NewBadgerStore(db)
		b.queue = taskqueue.NewInMemoryQueue(1024)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		_ = b.release()
		return nil, err
	}
	if b.events == nil {
		b.events = persistence.NewMemoryEventStore()
	}
	return b, nil
}

// optionsFor merges the settings of cfg with the capabilities and observer
// of base.
func optionsFor(cfg config.Config, base Options) Options {
	opts := cfg.EngineOptions(base.Logger)
	opts.Executor = base.Executor
	opts.Templates = base.Templates
	opts.Invoker = base.Invoker
	opts.Caller = base.Caller
	opts.Observer = base.Observer
	if opts.Logger == nil {
		opts.Logger = cfg.Log.Logger(os.Stderr)
	}
	return opts
}

func closer(eng Engine, release func() error) func() error {
	return func() error {
		cerr := eng.Close()
		if rerr := release(); cerr == nil {
			cerr = rerr
		}
		return cerr
	}
}

// OpenEngine builds an Engine on the storage named by cfg. Capabilities and
// observers are taken from base; the config supplies every setting it
// covers. The returned close function releases the storage connection
// after closing the engine.
func OpenEngine(ctx context.Context, cfg config.Config, base Options) (Engine, func() error, error) {
	b, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	opts := optionsFor(cfg, base)
	opts.Sink = b.records
	opts.Reader = b.records

	eng, err := NewEngine(opts)
	if err != nil {
		_ = b.release()
		return nil, nil, err
	}
	return eng, closer(eng, b.release), nil
}

// OpenBundle is OpenEngine plus the task queue of the same storage and
// a Worker draining it. Lifecycle events are recorded in SQLite for the
// sqlite driver and in memory otherwise.
func OpenBundle(ctx context.Context, cfg config.Config, base Options, wcfg workerpkg.Config) (*WorkerBundle, func() error, error) {
	b, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	opts := optionsFor(cfg, base)
	opts.Sink = b.records
	opts.Reader = b.records
	opts.Observer = withEvents(opts.Observer, persistence.NewEventObserver(b.events, opts.Logger))
	if wcfg.Logger == nil {
		wcfg.Logger = opts.Logger
	}

	eng, err := NewEngine(opts)
	if err != nil {
		_ = b.release()
		return nil, nil, err
	}
	return &WorkerBundle{
		Engine:  eng,
		Worker:  workerpkg.NewWithConfig(eng, b.queue, wcfg),
		Records: b.records,
		Events:  b.events,
		queue:   b.queue,
	}, closer(eng, b.release), nil
}
