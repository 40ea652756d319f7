package persistence

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// SQLiteEventStore keeps the flow event history in SQLite, indexed so a
// single node's events can be read without scanning the whole run.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			flow_name TEXT NOT NULL DEFAULT '',
			flow_version TEXT NOT NULL DEFAULT '',
			node_key TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_flow_events_run ON flow_events(execution_id, seq);
		CREATE INDEX IF NOT EXISTS idx_flow_events_node ON flow_events(execution_id, node_key, seq);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	detail := ev.Detail
	if len(detail) > maxEventDetail {
		detail = detail[:maxEventDetail]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_events (execution_id, at, type, flow_name, flow_version, node_key, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, ev.At.UnixNano(), string(ev.Type), ev.FlowName, ev.FlowVersion, ev.NodeKey, detail,
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, executionID string) ([]api.FlowEvent, error) {
	return s.QueryEvents(ctx, EventQuery{ExecutionID: executionID})
}

// QueryEvents filters by node key and event type in SQL. With Latest set the
// newest rows are selected first and reversed back into append order.
func (s *SQLiteEventStore) QueryEvents(ctx context.Context, q EventQuery) ([]api.FlowEvent, error) {
	where := []string{"execution_id = ?"}
	args := []any{q.ExecutionID}
	if q.NodeKey != "" {
		where = append(where, "node_key = ?")
		args = append(args, q.NodeKey)
	}
	if len(q.Types) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(q.Types)), ",")
		where = append(where, "type IN ("+marks+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	query := `SELECT execution_id, at, type, flow_name, flow_version, node_key, detail
		FROM flow_events WHERE ` + strings.Join(where, " AND ")
	if q.Latest > 0 {
		query += " ORDER BY seq DESC LIMIT ?"
		args = append(args, q.Latest)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.FlowEvent
	for rows.Next() {
		var (
			ev  api.FlowEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.ExecutionID, &atN, &typ, &ev.FlowName, &ev.FlowVersion, &ev.NodeKey, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Latest > 0 {
		slices.Reverse(out)
	}
	return out, nil
}
