package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	payload := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "deep"}},
		"items": []any{
			map[string]any{"name": "first"},
		},
		"nil_field": nil,
	}

	tests := []struct {
		name   string
		path   string
		want   any
		wantOK bool
	}{
		{"nested", "a.b.c", "deep", true},
		{"intermediate map", "a.b", map[string]any{"c": "deep"}, true},
		{"missing leaf", "a.b.x", nil, false},
		{"missing intermediate", "x.y.z", nil, false},
		{"walk through scalar", "a.b.c.d", nil, false},
		{"slice index", "items.0.name", "first", true},
		{"slice out of range", "items.3.name", nil, false},
		{"present nil", "nil_field", nil, true},
		{"empty path", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(payload, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type namedMap map[string]any

func TestResolveNamedMapType(t *testing.T) {
	got, ok := Resolve(map[string]any{"meta": namedMap{"k": "v"}}, "meta.k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestRender(t *testing.T) {
	ctx := map[string]any{
		"a":       map[string]any{"b": "x"},
		"name":    "Acme",
		"amount":  float64(1200),
		"ratio":   1.5,
		"tags":    []any{"vip", "new"},
		"loop":    "{{name}}",
		"nothing": nil,
	}

	assert.Equal(t, "x", Render("{{a.b}}", ctx))
	assert.Equal(t, "", Render("{{missing}}", map[string]any{}))
	assert.Equal(t, 123, Render(123, map[string]any{}))
	assert.Equal(t, "Welcome Acme!", Render("Welcome {{ name }}!", ctx))
	assert.Equal(t, "Total 1200 at 1.5", Render("Total {{amount}} at {{ratio}}", ctx))
	assert.Equal(t, `["vip","new"]`, Render("{{tags}}", ctx))
	assert.Equal(t, "[]", Render("[{{nothing}}]", ctx))
	// resolved values are not expanded a second time
	assert.Equal(t, "{{name}}", Render("{{loop}}", ctx))
	assert.Equal(t, "no placeholders", Render("no placeholders", ctx))
}

func TestRenderTime(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, "due 2026-03-01T09:30:00Z", RenderString("due {{due}}", map[string]any{"due": ts}))
}

func TestRenderParams(t *testing.T) {
	ctx := map[string]any{"name": "Acme", "email": "ops@acme.test"}
	params := map[string]any{
		"title":    "Call {{name}}",
		"priority": 2,
		"nested":   map[string]any{"to": "{{email}}"},
		"list":     []any{"{{name}}", true},
	}

	got := RenderParams(params, ctx)

	assert.Equal(t, "Call Acme", got["title"])
	assert.Equal(t, 2, got["priority"])
	assert.Equal(t, map[string]any{"to": "ops@acme.test"}, got["nested"])
	assert.Equal(t, []any{"Acme", true}, got["list"])
	assert.Equal(t, "Call {{name}}", params["title"], "input must not be mutated")
	assert.NotNil(t, RenderParams(nil, ctx))
}
