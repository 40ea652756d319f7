// Package testutil starts shared database containers for integration
// tests. Each container is started once per test binary and reaped by the
// testcontainers reaper when the binary exits.
package testutil

import (
	"testing"
)

func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("container tests are skipped in -short mode")
	}
}

// requireStarted skips the test when the container could not start, which
// is the normal case on machines without a Docker daemon.
func requireStarted(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", name, err)
	}
}
