package promptflow

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestNodeOverheadIsSmall checks that scheduling a node costs a few
// milliseconds at most, excluding any capability call.
//
// A long chain of pass-through Transform nodes amortizes timer granularity.
func TestNodeOverheadIsSmall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := newEngine(t, Options{})

	const N = 200

	flow := New("perf-node-overhead").Input("n0000")
	prev := "n0000"
	for i := 1; i < N; i++ {
		key := fmt.Sprintf("n%04d", i)
		flow = flow.Transform(key, "input").Connect(prev, key)
		prev = key
	}
	require.NoError(t, flow.Register(eng))

	// Warm-up run so expression compilation is not measured.
	_, err := Run(ctx, eng, flow.Name(), map[string]any{"x": 1})
	require.NoError(t, err)

	start := time.Now()
	res, err := Run(ctx, eng, flow.Name(), map[string]any{"x": 1})
	require.NoError(t, err)
	total := time.Since(start)
	require.Equal(t, StatusCompleted, res.Execution.Status, res.Execution.ErrorMessage)

	if avg := total / N; avg >= 5*time.Millisecond {
		t.Fatalf("average engine overhead per node too high: %v (total %v for %d nodes)", avg, total, N)
	}
}

// TestMinimalMemoryFootprintUnder5MB checks that an idle in-memory engine
// retains less than 5MB of heap.
func TestMinimalMemoryFootprintUnder5MB(t *testing.T) {
	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	eng, err := NewInMemoryEngine(Options{})
	require.NoError(t, err)

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	runtime.KeepAlive(eng)
	_ = eng.Close()

	const fiveMB = 5 * 1024 * 1024
	used := int64(after.HeapAlloc) - int64(before.HeapAlloc)
	if used < 0 {
		used = 0
	}
	if used >= fiveMB {
		t.Fatalf("minimal memory footprint too high: %d bytes (>= %d)", used, fiveMB)
	}
}
