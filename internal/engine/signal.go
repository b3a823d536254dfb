package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/pkg/schema"
)

// SignalExecutor runs waitForSignal steps. If a matching signal is queued
// it is consumed atomically and becomes the step output; otherwise the
// step stays claimed-but-incomplete and the outcome is Pending, which
// parks the whole execution until the signal (or its timeout) arrives.
type SignalExecutor struct {
	store store.Store
	now   func() time.Time
}

// NewSignalExecutor creates a signal executor.
func NewSignalExecutor(st store.Store) *SignalExecutor {
	return &SignalExecutor{store: st, now: time.Now}
}

func (e *SignalExecutor) Execute(ctx context.Context, ec *ExecContext, stepID string, step *schema.Step, input map[string]any) StepOutcome {
	action := step.Action.WaitForSignal
	if action == nil {
		return Failed(schema.NewError(schema.ErrCodeValidation, "not a waitForSignal step").WithStep(stepID))
	}

	sig, err := e.store.ConsumeSignal(ctx, ec.Execution.ID, action.SignalName)
	if err != nil {
		return Failed(schema.NewError(schema.ErrCodeStore, "consume signal").WithCause(err).WithStep(stepID))
	}
	if sig != nil {
		var payload any
		if len(sig.Payload) > 0 {
			_ = json.Unmarshal(sig.Payload, &payload)
		}
		receivedAt := e.now().UnixMilli()
		output := map[string]any{
			"signalName": action.SignalName,
			"payload":    payload,
			"receivedAt": receivedAt,
		}
		if res := ec.Result(stepID); res != nil {
			output["waitDurationMs"] = receivedAt - res.StartedAtEpochMs
		}
		return Completed(output)
	}

	// No signal yet. A configured timeout counts from the claim, not
	// from this particular re-evaluation.
	if step.Config != nil && step.Config.TimeoutMs > 0 {
		if res := ec.Result(stepID); res != nil {
			deadline := res.StartedAtEpochMs + step.Config.TimeoutMs
			if e.now().UnixMilli() >= deadline {
				return Failed(schema.NewErrorf(schema.ErrCodeTimeout,
					"signal %q did not arrive within %dms", action.SignalName, step.Config.TimeoutMs).WithStep(stepID))
			}
		}
	}
	return Pending()
}

var _ Executor = (*SignalExecutor)(nil)
