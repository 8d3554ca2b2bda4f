package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// CloneFields deep copies a profile field map. Nested maps and slices are
// copied so snapshots never share mutable state with callers.
func CloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return CloneFields(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return typed
	}
}

// MergeFields applies a partial patch onto base and returns the full result.
// A nil value in the patch removes the key.
func MergeFields(base, patch map[string]any) map[string]any {
	out := CloneFields(base)
	for key, value := range patch {
		if value == nil {
			delete(out, key)
			continue
		}
		out[key] = cloneValue(value)
	}
	return out
}

// ValidateFields checks that keys are usable attribute names and that the
// values can be stored as JSON.
func ValidateFields(fields map[string]any) error {
	for key := range fields {
		if strings.TrimSpace(key) == "" {
			return Invalidf("field names must not be empty")
		}
		if key != strings.TrimSpace(key) {
			return Invalidf("field name %q has surrounding whitespace", key)
		}
	}
	if _, err := json.Marshal(fields); err != nil {
		return &Error{Kind: KindInvalid, Message: "fields are not JSON encodable", Err: err}
	}
	return nil
}

// EncodeFields serializes fields for JSONB storage.
func EncodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(fields)
}

// DecodeFields parses a stored JSONB document back into a field map.
// Numbers decode as json.Number so integers beyond 2^53 keep every digit.
func DecodeFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to decode profile fields: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// NormalizeFields passes fields through the storage encoding, so a value
// read back from any store has the same Go type it was written with.
// Null values are kept.
func NormalizeFields(fields map[string]any) (map[string]any, error) {
	raw, err := EncodeFields(fields)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Message: "fields are not JSON encodable", Err: err}
	}
	return DecodeFields(raw)
}
