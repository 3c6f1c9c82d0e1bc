// Package jsonutil provides safe JSON extraction helpers for CLI backend
// parsers. These functions extract typed values from map[string]any produced
// by encoding/json.Unmarshal. No transformation logic, no validation.
//
// Exported within internal/ — visible to sibling packages (claude/, opencode/)
// but not to library consumers.
package jsonutil

import (
	"strconv"
	"strings"
)

// GetString safely extracts a string field from a map.
func GetString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// GetInt safely extracts a numeric field as int from a map.
// JSON numbers are decoded as float64 by encoding/json.
func GetInt(m map[string]any, key string) int {
	v, ok := m[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// GetFloat safely extracts a float64 field from a map.
func GetFloat(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

// GetMap safely extracts a nested map from a map.
func GetMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// ContainsNull reports whether s contains a null byte.
func ContainsNull(s string) bool {
	return strings.ContainsRune(s, '\x00')
}

// GetID extracts an "id" field that may arrive as a JSON number, a
// negative/large integer decoded as float64, or a numeric string.
// Returns ok=false when the field is absent or not numeric in either form.
func GetID(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// GetStringPath walks a dotted path of nested maps (e.g. "thread.id") and
// returns the string found there, or "" if any segment is missing or not
// a map/string as expected.
func GetStringPath(m map[string]any, path string) string {
	segs := strings.Split(path, ".")
	cur := m
	for i, seg := range segs {
		if cur == nil {
			return ""
		}
		if i == len(segs)-1 {
			return GetString(cur, seg)
		}
		cur = GetMap(cur, seg)
	}
	return ""
}

// GetStringAny extracts a string field from one of several candidate keys,
// returning the first non-empty match. Used where the wire shape of a field
// varies across engine CLI versions (e.g. threadId vs thread_id vs thread.id).
func GetStringAny(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := GetString(m, k); v != "" {
			return v
		}
	}
	return ""
}
