package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_tasks (
//	    seq        BIGSERIAL PRIMARY KEY,
//	    id         TEXT NOT NULL,
//	    not_before TIMESTAMPTZ NOT NULL,
//	    payload    BYTEA NOT NULL
//	);
//
// Eligible rows are claimed with FOR UPDATE SKIP LOCKED, so several
// workers can share one table.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
// db must use the pgx stdlib driver.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			payload    BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_not_before ON queue_tasks(not_before, seq);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, not_before, payload)
		VALUES ($1, $2, $3)
	`, t.ID, t.NotBefore.UTC(), data)
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		payload, err := q.claim(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			tmr.Reset(q.pollInterval)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tmr.C:
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// claim deletes and returns the payload of the oldest eligible row.
func (q *PostgresQueue) claim(ctx context.Context) ([]byte, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload
		FROM queue_tasks
		WHERE not_before <= now()
		ORDER BY not_before, seq
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&seq, &payload)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE seq = $1`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return payload, nil
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		slog.Warn("queue_len_failed", slog.String("queue", "postgres"), slog.Any("error", err))
		return 0
	}
	return n
}
