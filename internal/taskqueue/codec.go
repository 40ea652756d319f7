package taskqueue

import "github.com/petrijr/promptflow/internal/xjson"

// EncodeTask serializes a Task as JSON.
func EncodeTask(t Task) ([]byte, error) {
	return xjson.Marshal(t)
}

// DecodeTask parses a Task written by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := xjson.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
