package engine

import (
	"context"
	"errors"

	"github.com/mcpstudio/engine/internal/expressions"
	"github.com/mcpstudio/engine/pkg/schema"
)

// CodeExecutor evaluates code steps in the expression sandbox. The
// resolved input is the only data an expression can see; the languages
// themselves cannot reach I/O, the clock or randomness, so a code step is
// deterministic given its input.
type CodeExecutor struct {
	exprs *expressions.Registry
}

// NewCodeExecutor creates a code executor over the given engine registry.
func NewCodeExecutor(exprs *expressions.Registry) *CodeExecutor {
	return &CodeExecutor{exprs: exprs}
}

func (e *CodeExecutor) Execute(ctx context.Context, ec *ExecContext, stepID string, step *schema.Step, input map[string]any) StepOutcome {
	action := step.Action.Code
	if action == nil {
		return Failed(schema.NewError(schema.ErrCodeValidation, "not a code step").WithStep(stepID))
	}

	engine, err := e.exprs.Engine(action.Language)
	if err != nil {
		return Failed(asEngineError(err).WithStep(stepID))
	}

	ctx, cancel := context.WithTimeout(ctx, stepTimeout(step, defaultCodeTimeout))
	defer cancel()

	out, err := engine.Evaluate(ctx, action.Code, mapOrNil(input))
	if err != nil {
		return Failed(timeoutOr(ctx, asEngineError(err)).WithStep(stepID))
	}
	return Completed(out)
}

// mapOrNil keeps a nil map nil instead of an empty interface holding a
// typed nil.
func mapOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// asEngineError normalizes any error to an EngineError.
func asEngineError(err error) *schema.EngineError {
	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

var _ Executor = (*CodeExecutor)(nil)
