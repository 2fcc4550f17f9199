// ABOUTME: JSON normalization and merge helpers shared by all store implementations
// ABOUTME: Keeps in-memory and SQL stores returning identical field types

package docstore

import (
	"encoding/json"
	"fmt"
)

// normalize round-trips fields through JSON so callers never share maps with
// the store and every implementation returns the same value types.
func normalize(fields Fields) (Fields, error) {
	if fields == nil {
		return Fields{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding fields: %w", err)
	}
	return decodeFields(data)
}

func decodeFields(data []byte) (Fields, error) {
	out := Fields{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding fields: %w", err)
	}
	return out, nil
}

// merge returns base with every key of patch written over it. Keys with nil
// values are kept as explicit nulls.
func merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func cloneDocument(d *Document) *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Fields = make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		c.Fields[k] = v
	}
	return &c
}

func encodeFields(fields Fields) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}
	return string(data), nil
}
