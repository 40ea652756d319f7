package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCodec(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := Task{
		ID:          "t-1",
		Type:        TaskTypeResumeNode,
		ExecutionID: "run-1",
		NodeKey:     "approve",
		Input:       map[string]any{"approved": true, "note": "ok"},
		NotBefore:   at,
	}
	data, err := EncodeTask(in)
	require.NoError(t, err)

	out, err := DecodeTask(data)
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.NodeKey, out.NodeKey)
	assert.Equal(t, true, out.Input["approved"])
	assert.True(t, at.Equal(out.NotBefore))

	_, err = DecodeTask([]byte("{"))
	assert.Error(t, err)
}
