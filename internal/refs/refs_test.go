package refs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAtRef(t *testing.T) {
	tests := []struct {
		token    string
		want     Ref
		isRef    bool
	}{
		{"@step1", Ref{Type: RefTypeStep, StepName: "step1"}, true},
		{"@step1.user.name", Ref{Type: RefTypeStep, StepName: "step1", Path: "user.name"}, true},
		{"@input", Ref{Type: RefTypeInput}, true},
		{"@input.id", Ref{Type: RefTypeInput, Path: "id"}, true},
		{"@item", Ref{Type: RefTypeItem}, true},
		{"@item.sku", Ref{Type: RefTypeItem, Path: "sku"}, true},
		{"@index", Ref{Type: RefTypeIndex}, true},
		{"plain string", Ref{}, false},
		{"@", Ref{}, false},
		{"id: @step1.x", Ref{}, false}, // tokens must be the entire string
		{"", Ref{}, false},
	}

	for _, tt := range tests {
		got, ok := ParseAtRef(tt.token)
		assert.Equal(t, tt.isRef, ok, "token %q", tt.token)
		if tt.isRef {
			assert.Equal(t, tt.want, got, "token %q", tt.token)
		}
	}
}

func TestExtractRefs(t *testing.T) {
	input := map[string]any{
		"a": "@step1.user.name",
		"b": []any{"@input.id", "literal", "@step2"},
		"c": map[string]any{"nested": "@step1.user.name"}, // duplicate
		"d": 42,
	}

	got := ExtractRefs(input)
	assert.ElementsMatch(t, []string{"@step1.user.name", "@input.id", "@step2"}, got)
}

func TestStepDeps(t *testing.T) {
	input := map[string]any{
		"x": "@fetch.body",
		"y": "@input.id",
		"z": "@fetch.status",
		"w": "@parse",
	}
	assert.ElementsMatch(t, []string{"fetch", "parse"}, StepDeps(input))
}

func TestResolve(t *testing.T) {
	scope := &Scope{
		WorkflowInput: map[string]any{"id": float64(42)},
		StepOutputs: map[string]any{
			"step1": map[string]any{"user": map[string]any{"name": "Ada"}},
		},
	}

	got := Resolve(map[string]any{
		"a": "@step1.user.name",
		"b": "@input.id",
	}, scope)

	want := map[string]any{"a": "Ada", "b": float64(42)}
	assert.Equal(t, want, got)
}

func TestResolveTypePreserving(t *testing.T) {
	scope := &Scope{
		StepOutputs: map[string]any{
			"list": map[string]any{"items": []any{float64(1), float64(2)}},
		},
	}

	got := Resolve(map[string]any{"items": "@list.items"}, scope)
	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{float64(1), float64(2)}, m["items"])
}

func TestResolveMissingPathYieldsNil(t *testing.T) {
	scope := &Scope{
		StepOutputs: map[string]any{"a": map[string]any{"x": 1}},
	}

	got := Resolve(map[string]any{
		"missing_step": "@nope.field",
		"missing_path": "@a.x.deeper",
	}, scope)

	m := got.(map[string]any)
	assert.Nil(t, m["missing_step"])
	assert.Nil(t, m["missing_path"])
}

func TestResolveIterationScope(t *testing.T) {
	idx := 3
	scope := &Scope{
		Item:  map[string]any{"sku": "X-1"},
		Index: &idx,
	}

	got := Resolve(map[string]any{
		"sku": "@item.sku",
		"n":   "@index",
	}, scope)

	m := got.(map[string]any)
	assert.Equal(t, "X-1", m["sku"])
	assert.Equal(t, 3, m["n"])
}

func TestTraverseArrayIndex(t *testing.T) {
	scope := &Scope{
		StepOutputs: map[string]any{
			"s": map[string]any{"rows": []any{"first", "second"}},
		},
	}
	assert.Equal(t, "second", ResolveToken("@s.rows.1", scope))
	assert.Nil(t, ResolveToken("@s.rows.9", scope))
}

func TestResolveLeavesLiteralsAlone(t *testing.T) {
	got := Resolve(map[string]any{
		"email": "user@example.com.tld", // looks ref-like but only whole-token "@..." strings qualify
		"note":  "send to @support",
		"n":     7,
	}, &Scope{})

	m := got.(map[string]any)
	assert.Equal(t, 7, m["n"])
	assert.Equal(t, "send to @support", m["note"])
}
