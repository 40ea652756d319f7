// Package xjson routes every JSON encode and decode in the module through a
// single import site backed by goccy/go-json.
package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return gjson.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

// Convert re-encodes src into dst. It decodes opaque configuration documents
// into typed structs.
func Convert(src any, dst any) error {
	if src == nil {
		return nil
	}
	b, err := gjson.Marshal(src)
	if err != nil {
		return err
	}
	return gjson.Unmarshal(b, dst)
}
