package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mcpstudio/engine/pkg/schema"
)

// CELEngine evaluates Common Expression Language expressions, used mainly
// for conditions and guards. The step's resolved input is exposed as the
// `input` variable.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing
// a single top-level variable, input (dyn).
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.Variable("input", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or retrieves from cache) an expression and evaluates
// it with the step input bound to `input`. A nil input becomes an empty
// map to avoid CEL nil-ref runtime errors.
func (e *CELEngine) Evaluate(ctx context.Context, source string, input any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}

	if input == nil {
		input = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", source, err.Error()).WithCause(err)
	}
	return out.Value(), nil
}

func (e *CELEngine) getOrCompile(source string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[source]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", source, issues.Err().Error()).WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", source, err.Error()).WithCause(err)
	}

	e.cache[source] = prg
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
