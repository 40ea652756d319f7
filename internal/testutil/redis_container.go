package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	skipShort(t)
	redisOnce.Do(startRedis)
	requireStarted(t, "redis", redisErr)
	return redisAddr
}

func startRedis() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	redisC, err := testcontainers.Run(
		ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		redisErr = err
		return
	}

	endpoint, err := redisC.Endpoint(ctx, "")
	if err != nil {
		_ = redisC.Terminate(context.Background())
		redisErr = err
		return
	}
	redisAddr = endpoint
}
