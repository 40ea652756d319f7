package taskqueue

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestSQLiteQueue(t *testing.T) (*SQLiteQueue, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	require.NoError(t, err)
	return q, db
}

func TestSQLiteQueue(t *testing.T) {
	q, _ := newTestSQLiteQueue(t)
	exerciseQueue(t, q)
}

func TestSQLiteQueueSurvivesReopen(t *testing.T) {
	q, db := newTestSQLiteQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "persisted", Type: TaskTypeStartFlow, FlowName: "summarize"}))

	reopened, err := NewSQLiteQueue(db)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())

	got, err := reopened.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.ID)
	assert.Equal(t, "summarize", got.FlowName)
}
