package persistence

import (
	"fmt"

	"github.com/petrijr/promptflow/internal/xjson"
	"github.com/petrijr/promptflow/pkg/api"
)

// Records are stored as JSON documents. Every backend keeps the few
// columns it needs for lookups next to the document and never reads
// them back.

func encodeRecord(v any) ([]byte, error) {
	b, err := xjson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

func decodeRecord[T any](data []byte) (*T, error) {
	var v T
	if err := xjson.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &v, nil
}

func decodeFlow(data []byte) (*api.FlowExecution, error) {
	return decodeRecord[api.FlowExecution](data)
}

func decodeNode(data []byte) (*api.NodeExecution, error) {
	return decodeRecord[api.NodeExecution](data)
}

func decodeTraversal(data []byte) (api.EdgeTraversal, error) {
	tr, err := decodeRecord[api.EdgeTraversal](data)
	if err != nil {
		return api.EdgeTraversal{}, err
	}
	return *tr, nil
}
