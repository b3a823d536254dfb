// Package expressions provides the evaluation engines behind code steps.
// Three languages are supported: expr (default, general logic), cel
// (conditions and guards) and jq (JSON reshaping). All engines are
// deterministic: no I/O, no clock, no randomness is reachable from an
// expression.
package expressions

import (
	"context"

	"github.com/mcpstudio/engine/pkg/schema"
)

// Engine evaluates a single expression against a step's resolved input.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, source string, input any) (any, error)
}

// Registry dispatches by language name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds the default registry with all three engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: map[string]Engine{}}
	for _, e := range []Engine{NewExprEngine(), celEngine, NewGoJQEngine()} {
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Engine returns the engine for the given language. Empty language selects
// expr. Unknown languages are a validation error.
func (r *Registry) Engine(language string) (Engine, error) {
	if language == "" {
		language = "expr"
	}
	e, ok := r.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown code language: %q", language)
	}
	return e, nil
}
