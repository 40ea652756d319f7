package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/petrijr/promptflow/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name     string
	blobType string
	// numbered placeholders ($1, $2, ...) instead of "?".
	numbered bool
}

// SQLStore is a Store over database/sql. Each record is one row holding
// the JSON document plus the columns used for lookups.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("%s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_executions (
			id TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			doc ` + s.d.blobType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_executions_flow ON flow_executions(flow_name, started_at)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			execution_order INTEGER NOT NULL,
			doc ` + s.d.blobType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_exec ON node_executions(execution_id, execution_order)`,
		`CREATE TABLE IF NOT EXISTS edge_traversals (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			doc ` + s.d.blobType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edge_traversals_exec ON edge_traversals(execution_id, sequence)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites "?" placeholders for dialects that number them.
func (s *SQLStore) bind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) WriteFlowExecution(ctx context.Context, exec *api.FlowExecution) error {
	doc, err := encodeRecord(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO flow_executions (id, flow_name, status, started_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			flow_name = excluded.flow_name,
			status = excluded.status,
			started_at = excluded.started_at,
			doc = excluded.doc`),
		exec.ID,
		exec.FlowName,
		string(exec.Status),
		exec.StartedAt.UnixNano(),
		doc,
	)
	return err
}

func (s *SQLStore) WriteNodeExecution(ctx context.Context, node *api.NodeExecution) error {
	doc, err := encodeRecord(node)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO node_executions (id, execution_id, execution_order, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			execution_order = excluded.execution_order,
			doc = excluded.doc`),
		node.ID,
		node.ExecutionID,
		node.ExecutionOrder,
		doc,
	)
	return err
}

func (s *SQLStore) WriteEdgeTraversal(ctx context.Context, tr *api.EdgeTraversal) error {
	doc, err := encodeRecord(tr)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO edge_traversals (id, execution_id, sequence, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			sequence = excluded.sequence,
			doc = excluded.doc`),
		tr.ID,
		tr.ExecutionID,
		tr.Sequence,
		doc,
	)
	return err
}

func (s *SQLStore) GetFlowExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT doc FROM flow_executions WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeFlow(doc)
}

func (s *SQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*api.NodeExecution, error) {
	docs, err := s.queryDocs(ctx, `
		SELECT doc FROM node_executions
		WHERE execution_id = ?
		ORDER BY execution_order ASC`, executionID)
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
	return out, nil
}

func (s *SQLStore) ListEdgeTraversals(ctx context.Context, executionID string) ([]api.EdgeTraversal, error) {
	docs, err := s.queryDocs(ctx, `
		SELECT doc FROM edge_traversals
		WHERE execution_id = ?
		ORDER BY sequence ASC`, executionID)
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
	return out, nil
}

func (s *SQLStore) ListFlowExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.FlowExecution, error) {
	var (
		where []string
		args  []any
	)
	if filter.FlowName != "" {
		where = append(where, "flow_name = ?")
		args = append(args, filter.FlowName)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT doc FROM flow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"

	docs, err := s.queryDocs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*api.FlowExecution, 0, len(docs))
	for _, doc := range docs {
		exec, err := decodeFlow(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *SQLStore) queryDocs(ctx context.Context, query string, args ...any) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
