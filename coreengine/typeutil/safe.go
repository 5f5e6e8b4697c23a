// Package typeutil reads values out of the opaque map payloads stages
// exchange with the coordinator.
//
// A payload may be built in-process or decoded from JSON or a protobuf
// Struct, so a number can arrive as any Go numeric type (or as a string from
// environment configuration) and a list as []any, []string or
// []map[string]any. Every accessor reports success with a bool and never panics.
package typeutil

import (
	"strconv"
	"strings"
)

// SafeMapStringAny returns value as a map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString returns value as a string.
func SafeString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault returns value as a string, or fallback.
func SafeStringDefault(value any, fallback string) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fallback
}

// SafeInt returns value as an int. Floats are truncated and numeric strings
// are parsed.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	f, ok := SafeFloat64(value)
	return int(f), ok
}

// SafeFloat64 returns value as a float64. Numeric strings are parsed.
func SafeFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// SafeSlice returns value as a []any, converting []string and
// []map[string]any element by element.
func SafeSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		return widen(v), true
	case []map[string]any:
		return widen(v), true
	}
	return nil, false
}

func widen[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
