package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Render substitutes {{path}} placeholders in tmpl. Non-string values are
// returned unchanged.
func Render(tmpl any, ctx map[string]any) any {
	s, ok := tmpl.(string)
	if !ok {
		return tmpl
	}
	return RenderString(s, ctx)
}

// RenderString is a single pass: resolved values are not expanded again.
func RenderString(s string, ctx map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return ""
		}
		v, ok := Resolve(ctx, sub[1])
		if !ok || v == nil {
			return ""
		}
		return Stringify(v)
	})
}

// RenderParams renders every string inside params, descending into nested
// maps and slices. The input map is not modified.
func RenderParams(params map[string]any, ctx map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, ctx)
	}
	return out
}

func renderValue(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return RenderString(t, ctx)
	case map[string]any:
		return RenderParams(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = renderValue(item, ctx)
		}
		return out
	default:
		return v
	}
}

// Stringify converts a resolved payload value into its template form.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
