package automation

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Matches evaluates rule conditions against an event context. Every
// path/value pair must resolve and be equal; an empty set always matches.
func Matches(conditions map[string]any, ctx map[string]any) bool {
	for path, expected := range conditions {
		actual, ok := Resolve(ctx, path)
		if !ok {
			return false
		}
		if !ValuesEqual(actual, expected) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two decoded values structurally. Numbers of any kind
// compare by value so a JSON-decoded 1 equals an int 1.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	// nested maps/slices decoded through different paths (JSONMap vs map[string]any)
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
