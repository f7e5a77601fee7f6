package tools

import (
	"encoding/json"
	"fmt"
)

// Params wraps resolved step parameters with typed accessors. Numbers may
// arrive as float64 from JSON or as int from Go callers.
type Params map[string]interface{}

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// StringOr returns an optional string parameter.
func (p Params) StringOr(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// FirstString returns the first of keys holding a string, for parameters
// with accepted aliases.
func (p Params) FirstString(keys ...string) (string, error) {
	for _, k := range keys {
		if s, ok := p[k].(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%s is required", keys[0])
}

// IntOr returns an optional integer parameter.
func (p Params) IntOr(key string, def int) int {
	switch n := p[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

// Text returns the parameter as text regardless of type, rendering
// non-strings as JSON. Resolved back-references may hold any value.
func (p Params) Text(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v), true
	}
	return string(b), true
}
