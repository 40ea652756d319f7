package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "promptflow"
	pgPassword = "promptflow"
	pgDatabase = "promptflow_test"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN returns the DSN of a shared PostgreSQL container, starting
// it on first use. The test is skipped when no container can be started.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	skipShort(t)
	pgOnce.Do(startPostgres)
	requireStarted(t, "postgres", pgErr)
	return pgDSN
}

func startPostgres() {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	dsn := func(hostPort string) string {
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
	}

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Actively verify SQL connectivity through the mapped port.
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return dsn(host + ":" + port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		}),
	)
	if err != nil {
		pgErr = err
		return
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		_ = postgresC.Terminate(context.Background()) // best-effort cleanup
		pgErr = err
		return
	}
	pgDSN = dsn(endpoint)
}
