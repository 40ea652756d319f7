package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error
)

// GetMongoURI returns the connection URI of a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	skipShort(t)
	mongoOnce.Do(startMongo)
	requireStarted(t, "mongo", mongoErr)
	return mongoURI
}

func startMongo() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)
	if err != nil {
		mongoErr = err
		return
	}

	endpoint, err := mongoC.Endpoint(ctx, "")
	if err != nil {
		_ = mongoC.Terminate(context.Background())
		mongoErr = err
		return
	}
	mongoURI = fmt.Sprintf("mongodb://%s", endpoint)
}
