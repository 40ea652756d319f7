package worker_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/promptflow/internal/engine"
	"github.com/petrijr/promptflow/internal/taskqueue"
	"github.com/petrijr/promptflow/pkg/api"
	"github.com/petrijr/promptflow/pkg/worker"
)

// ExampleWorker demonstrates constructing a Worker explicitly and using it
// to process tasks from a queue.
func ExampleWorker() {
	ctx := context.Background()

	eng, err := engine.NewInMemoryEngine(engine.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	def := api.FlowDefinition{
		Name:    "background-job",
		Version: "1",
		Nodes: []api.Node{
			{ID: "in", Key: "in", Type: api.NodeInput, Enabled: true},
			{ID: "out", Key: "out", Type: api.NodeOutput, Enabled: true},
		},
		Edges: []api.Edge{{ID: "e1", Source: "in", Target: "out", Type: api.EdgeNormal, Enabled: true}},
	}
	if _, err := eng.RegisterFlow(def); err != nil {
		log.Fatal(err)
	}

	// Configure the worker (with a simple retry policy).
	w := worker.NewWithConfig(eng, taskqueue.NewInMemoryQueue(1024), worker.Config{
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
	})

	if _, err := w.EnqueueStartFlow(ctx, def.Name, map[string]any{"job": 42}, api.StartOptions{}); err != nil {
		log.Fatal(err)
	}

	// Process a single task. In a real application you would call Run
	// in its own goroutine.
	processed, err := w.ProcessOne(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("processed:", processed)
	// Output: processed: true
}
