// Package engine runs workflow executions: it claims steps, dispatches
// them to executors and advances the DAG on every lifecycle event.
package engine

import (
	"context"
	"time"

	"github.com/mcpstudio/engine/pkg/schema"
)

// Default wall-clock limits per step kind.
const (
	defaultToolTimeout = 30 * time.Second
	defaultCodeTimeout = 5 * time.Second
)

// Executor runs a single claimed step attempt. stepID differs from
// step.Name for forEach iterations ("name[index]"). The input arrives
// fully resolved.
type Executor interface {
	Execute(ctx context.Context, ec *ExecContext, stepID string, step *schema.Step, input map[string]any) StepOutcome
}

// stepTimeout derives the per-attempt deadline from step config.
func stepTimeout(step *schema.Step, fallback time.Duration) time.Duration {
	if step.Config != nil && step.Config.TimeoutMs > 0 {
		return time.Duration(step.Config.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// timeoutOr classifies a context deadline hit as a timeout error.
func timeoutOr(ctx context.Context, err *schema.EngineError) *schema.EngineError {
	if ctx.Err() == context.DeadlineExceeded {
		return schema.NewError(schema.ErrCodeTimeout, "step deadline exceeded").WithCause(err)
	}
	return err
}
