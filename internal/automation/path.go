// Package automation holds the side-effect free pieces of the rule engine:
// path resolution, templating, change diffing, condition matching and the
// closed set of action kinds a rule may declare.
package automation

import (
	"reflect"
	"strconv"
	"strings"
)

// Resolve walks a dotted path ("a.b.c") through nested maps and slices.
// Missing intermediates resolve to (nil, false).
func Resolve(obj any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := obj
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			v, ok := resolveReflect(cur, key)
			if !ok {
				return nil, false
			}
			cur = v
		}
	}
	return cur, true
}

// resolveReflect covers named map types (datatypes.JSONMap and friends).
func resolveReflect(node any, key string) (any, bool) {
	if node == nil {
		return nil, false
	}
	rv := reflect.ValueOf(node)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
	if !v.IsValid() {
		return nil, false
	}
	return v.Interface(), true
}
