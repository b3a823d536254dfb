package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mcpstudio/engine/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It supports let bindings,
// array operations (filter, map, count, any, all, sum, min, max), string
// operations, nil coalescing (??), optional chaining (?.) and pipe
// chaining (|). The step's resolved input is exposed as the `input`
// variable.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles (or retrieves from cache) an expression and evaluates
// it with the step input bound to `input`.
func (e *ExprEngine) Evaluate(ctx context.Context, source string, input any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, map[string]any{"input": input})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", source, err.Error()).WithCause(err)
	}
	return out, nil
}

func (e *ExprEngine) getOrCompile(source string) (*vm.Program, error) {
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

	// Compiled without an Env: programs are cached per source and run
	// against inputs of any shape, so the checker must stay dynamic.
	prg, err := expr.Compile(source)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", source, err.Error()).WithCause(err)
	}

	e.cache[source] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
