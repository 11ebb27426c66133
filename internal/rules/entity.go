package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entity exposes named fields of a business record whose shape is unknown at compile time
type Entity interface {
	FieldValue(name string) (any, bool)
}

// Record is a property-bag Entity. Field lookup is case-insensitive.
type Record map[string]any

// FieldValue returns the value stored under name, matching keys case-insensitively
func (r Record) FieldValue(name string) (any, bool) {
	if v, ok := r[name]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Snapshot returns only the simple-typed fields of the record
func (r Record) Snapshot() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if isSimple(v) {
			out[k] = v
		}
	}
	return out
}

// FromJSON decodes a JSON object into a Record. Empty input yields an empty record.
func FromJSON(data string) (Record, error) {
	r := Record{}
	if strings.TrimSpace(data) == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func isSimple(v any) bool {
	switch v.(type) {
	case nil, bool, string, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	}
	return false
}
