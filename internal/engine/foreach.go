package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcpstudio/engine/internal/bus"
	"github.com/mcpstudio/engine/internal/logging"
	"github.com/mcpstudio/engine/pkg/schema"
)

// iterationID builds the claim key for one forEach iteration.
func iterationID(name string, index int) string {
	return name + "[" + strconv.Itoa(index) + "]"
}

// dispatchForEach handles a step.execute event for a forEach parent. The
// parent claim row guards fan-out: exactly one handler creates it, and a
// redelivered event that finds it incomplete re-enters the reconcile
// path, so a crashed fan-out is taken over instead of stalling.
func (o *Orchestrator) dispatchForEach(ctx context.Context, ec *ExecContext, step *schema.Step) error {
	ctx = logging.WithStepID(ctx, step.Name)

	parent := ec.Result(step.Name)
	if parent == nil {
		created, err := o.store.CreateStepResult(ctx, &schema.StepResult{
			ExecutionID:      ec.Execution.ID,
			StepID:           step.Name,
			StartedAtEpochMs: time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		if created == nil {
			// Raced another dispatcher for the parent claim.
			return nil
		}
		ec.results[step.Name] = created
	} else if parent.Completed() {
		return nil
	}

	if step.Action.Type() == schema.StepTypeWaitForSignal {
		// Signals address a single execution-level wait, not a fan-out.
		return o.recordOutcome(ctx, ec, step.Name, Failed(schema.NewError(schema.ErrCodeValidation,
			"waitForSignal cannot be combined with forEach").WithStep(step.Name)))
	}
	return o.reconcileForEach(ctx, ec, step)
}

// reconcileForEach advances a fan-out from persisted state: it completes
// the parent once every iteration is accounted for, and otherwise
// dispatches unclaimed indices while concurrency slots are free. It runs
// on the parent's dispatch and again on every iteration completion, so
// in-flight iterations top the fan-out back up as they land. Dispatching
// an index twice is harmless: the duplicate loses the iteration claim.
func (o *Orchestrator) reconcileForEach(ctx context.Context, ec *ExecContext, step *schema.Step) error {
	ctx = logging.WithStepID(ctx, step.Name)

	if res := ec.Result(step.Name); res.Completed() {
		return nil
	}

	items, outcome := o.resolveItems(ec, step)
	if outcome != nil {
		return o.recordOutcome(ctx, ec, step.Name, *outcome)
	}
	if len(items) == 0 {
		return o.recordOutcome(ctx, ec, step.Name, Completed([]any{}))
	}

	onError := schema.ForEachFail
	if step.ForEach.OnError != "" {
		onError = step.ForEach.OnError
	}
	concurrency := step.ForEach.Concurrency
	if concurrency <= 0 || concurrency > len(items) {
		concurrency = len(items)
	}

	rows, err := o.store.GetStepResultsByPrefix(ctx, ec.Execution.ID, step.Name+"[")
	if err != nil {
		return err
	}
	byID := make(map[string]*schema.StepResult, len(rows))
	for i := range rows {
		byID[rows[i].StepID] = &rows[i]
	}

	completedCount, inFlight := 0, 0
	var failures []string
	for i := range items {
		res := byID[iterationID(step.Name, i)]
		switch {
		case res.Completed():
			completedCount++
			if res.Error != "" {
				failures = append(failures, fmt.Sprintf("iteration %d failed: %s", i, res.Error))
			}
		case res != nil:
			inFlight++
		}
	}
	stopNew := len(failures) > 0 && onError == schema.ForEachFail

	if completedCount == len(items) || (stopNew && inFlight == 0) {
		if stopNew {
			return o.recordOutcome(ctx, ec, step.Name, Failed(
				schema.NewError(schema.ErrCodeStepFailed, strings.Join(failures, "; ")).WithStep(step.Name)))
		}
		// onError continue: failed iterations are dropped, order preserved.
		aggregated := make([]any, 0, len(items))
		for i := range items {
			res := byID[iterationID(step.Name, i)]
			if !res.Completed() || res.Error != "" {
				continue
			}
			var out any
			if len(res.Output) > 0 {
				_ = json.Unmarshal(res.Output, &out)
			}
			aggregated = append(aggregated, out)
		}
		return o.recordOutcome(ctx, ec, step.Name, Completed(aggregated))
	}

	if stopNew {
		// In-flight iterations run to completion; their completion events
		// re-enter here and fail the parent once the last one lands.
		return nil
	}

	for i := 0; i < len(items) && inFlight < concurrency; i++ {
		if byID[iterationID(step.Name, i)] != nil {
			continue
		}
		idx := i
		if err := o.bus.Publish(ctx, bus.Event{
			Type:        schema.EventStepExecute,
			ExecutionID: ec.Execution.ID,
			Data:        schema.StepExecuteData{StepName: step.Name, IterationIndex: &idx, Item: items[idx]},
		}); err != nil {
			return err
		}
		inFlight++
	}
	return nil
}

// resolveItems resolves the forEach ref to the iteration array. A non-array
// value fails the step; an unresolvable ref fans out over nothing.
func (o *Orchestrator) resolveItems(ec *ExecContext, step *schema.Step) ([]any, *StepOutcome) {
	resolved := ec.ResolveRef(step.ForEach.Ref, ec.Scope(nil, nil))
	if resolved == nil {
		return nil, nil
	}
	items, ok := resolved.([]any)
	if !ok {
		outcome := Failed(schema.NewErrorf(schema.ErrCodeValidation,
			"forEach ref %q did not resolve to an array", step.ForEach.Ref).WithStep(step.Name))
		return nil, &outcome
	}
	return items, nil
}

// runIteration claims and executes one fan-out iteration in response to
// its step.execute event. The claim row makes redeliveries no-ops.
func (o *Orchestrator) runIteration(ctx context.Context, ec *ExecContext, step *schema.Step, index int, item any) error {
	stepID := iterationID(step.Name, index)
	ctx = logging.WithStepID(ctx, stepID)

	created, err := o.store.CreateStepResult(ctx, &schema.StepResult{
		ExecutionID:      ec.Execution.ID,
		StepID:           stepID,
		StartedAtEpochMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if created == nil {
		return nil
	}
	ec.results[stepID] = created

	outcome := o.executeStep(ctx, ec, stepID, step, item, &index)

	var raw json.RawMessage
	var errMsg string
	if outcome.Kind == OutcomeFailed {
		errMsg = outcome.Err.Error()
		o.logger.WarnContext(ctx, "iteration failed", "error", outcome.Err)
	} else if raw, err = json.Marshal(outcome.Output); err != nil {
		raw = nil
		errMsg = "marshal iteration output: " + err.Error()
	}

	if err := o.completeStepResult(ctx, ec.Execution.ID, stepID, raw, errMsg); err != nil {
		return err
	}
	return o.publishCompleted(ctx, ec.Execution.ID, step.Name, outcome.Output, errMsg, &index)
}
