package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mcpstudio/engine/internal/bus"
	"github.com/mcpstudio/engine/internal/dag"
	"github.com/mcpstudio/engine/internal/logging"
	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/pkg/schema"
)

// Orchestrator advances executions in response to lifecycle events. It
// holds no in-memory execution state: every handler re-reads the store,
// so events can be redelivered, reordered or handled by another process.
// Mutual exclusion comes entirely from the store's claim rows and
// conditional updates.
type Orchestrator struct {
	store     store.Store
	bus       bus.Bus
	executors map[schema.StepType]Executor
	logger    *slog.Logger
}

// NewOrchestrator wires an orchestrator and subscribes it to the bus.
func NewOrchestrator(st store.Store, b bus.Bus, executors map[schema.StepType]Executor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{store: st, bus: b, executors: executors, logger: logger}

	b.Subscribe(schema.EventExecutionCreated, o.HandleExecutionCreated)
	b.Subscribe(schema.EventStepExecute, o.HandleStepExecute)
	b.Subscribe(schema.EventStepCompleted, o.HandleStepCompleted)
	b.Subscribe(schema.EventSignalReceived, o.HandleSignalReceived)
	return o
}

// HandleExecutionCreated claims an enqueued execution and dispatches its
// ready steps. Redeliveries, resumes and signal wake-ups all funnel
// through the same claim.
func (o *Orchestrator) HandleExecutionCreated(ctx context.Context, evt bus.Event) error {
	ctx = logging.WithExecutionID(ctx, evt.ExecutionID)

	sc, err := o.store.ClaimExecution(ctx, evt.ExecutionID)
	if err != nil {
		return err
	}
	if sc == nil {
		// Missing or already claimed by another handler.
		return nil
	}
	o.logger.InfoContext(ctx, "execution claimed", "workflowId", sc.Execution.WorkflowID)
	return o.dispatch(ctx, NewExecContext(sc))
}

// HandleStepExecute claims and runs one step attempt.
func (o *Orchestrator) HandleStepExecute(ctx context.Context, evt bus.Event) error {
	data, ok := evt.Data.(schema.StepExecuteData)
	if !ok {
		return schema.NewError(schema.ErrCodeExecution, "malformed step.execute payload")
	}
	ctx = logging.WithExecutionID(ctx, evt.ExecutionID)

	sc, err := o.store.GetExecutionContext(ctx, evt.ExecutionID)
	if err != nil {
		return err
	}
	ec := NewExecContext(sc)
	if ec.Execution.Status != schema.ExecutionStatusRunning {
		// Cancelled or parked while this event was in flight.
		return nil
	}

	step := ec.Step(data.StepName)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step %q", data.StepName)
	}

	if data.IterationIndex != nil {
		return o.runIteration(ctx, ec, step, *data.IterationIndex, data.Item)
	}
	if step.ForEach != nil {
		return o.dispatchForEach(ctx, ec, step)
	}

	stepID := step.Name
	ctx = logging.WithStepID(ctx, stepID)

	claimed, reEval, err := o.claimStep(ctx, ec, stepID, step)
	if err != nil {
		return err
	}
	if !claimed && !reEval {
		return nil
	}

	outcome := o.executeStep(ctx, ec, stepID, step, nil, nil)
	return o.recordOutcome(ctx, ec, stepID, outcome)
}

// HandleStepCompleted finalizes the execution or dispatches newly ready
// steps. Iteration completions route to the forEach fan-in instead.
func (o *Orchestrator) HandleStepCompleted(ctx context.Context, evt bus.Event) error {
	data, ok := evt.Data.(schema.StepCompletedData)
	if !ok {
		return schema.NewError(schema.ErrCodeExecution, "malformed step.completed payload")
	}
	ctx = logging.WithExecutionID(ctx, evt.ExecutionID)

	sc, err := o.store.GetExecutionContext(ctx, evt.ExecutionID)
	if err != nil {
		return err
	}
	ec := NewExecContext(sc)
	if ec.Execution.Status != schema.ExecutionStatusRunning {
		return nil
	}

	if data.IterationIndex != nil {
		step := ec.Step(data.StepName)
		if step == nil || step.ForEach == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "iteration completed for non-forEach step %q", data.StepName)
		}
		return o.reconcileForEach(ctx, ec, step)
	}
	return o.dispatch(ctx, ec)
}

// HandleSignalReceived wakes a parked execution (or nudges a running one)
// so its waitForSignal steps re-evaluate and consume the queued signal.
func (o *Orchestrator) HandleSignalReceived(ctx context.Context, evt bus.Event) error {
	ctx = logging.WithExecutionID(ctx, evt.ExecutionID)

	sc, err := o.store.ClaimExecution(ctx, evt.ExecutionID)
	if err != nil {
		return err
	}
	if sc != nil {
		return o.dispatch(ctx, NewExecContext(sc))
	}

	// Not parked. If it is running, redispatch the waiting steps directly.
	full, err := o.store.GetExecutionContext(ctx, evt.ExecutionID)
	if err != nil {
		return err
	}
	ec := NewExecContext(full)
	if ec.Execution.Status != schema.ExecutionStatusRunning {
		return nil
	}
	return o.redispatchWaiting(ctx, ec)
}

// dispatch evaluates the DAG frontier: publishes step.execute for every
// ready step, re-dispatches parked signal waits and re-entrant forEach
// coordinators, and finalizes the execution when nothing is left.
func (o *Orchestrator) dispatch(ctx context.Context, ec *ExecContext) error {
	// A failed plain step fails the whole execution.
	for i := range ec.Workflow.Steps {
		name := ec.Workflow.Steps[i].Name
		if res := ec.Result(name); res.Failed() {
			return o.finalize(ctx, ec, schema.ExecutionStatusError, res.Error)
		}
	}

	completed := ec.CompletedSteps()
	allDone := true
	for i := range ec.Workflow.Steps {
		if !completed[ec.Workflow.Steps[i].Name] {
			allDone = false
			break
		}
	}
	if allDone {
		return o.finalizeSuccess(ctx, ec)
	}

	ready := dag.Ready(ec.Workflow.Steps, completed, ec.ClaimedSteps())
	for _, name := range ready {
		if err := o.bus.Publish(ctx, bus.Event{
			Type:        schema.EventStepExecute,
			ExecutionID: ec.Execution.ID,
			Data:        schema.StepExecuteData{StepName: name},
		}); err != nil {
			return err
		}
	}
	return o.redispatchWaiting(ctx, ec)
}

// redispatchWaiting republishes step.execute for claimed-but-incomplete
// waitForSignal steps and forEach coordinators, the two step kinds whose
// claim rows legitimately outlive a single attempt.
func (o *Orchestrator) redispatchWaiting(ctx context.Context, ec *ExecContext) error {
	for i := range ec.Workflow.Steps {
		step := &ec.Workflow.Steps[i]
		reentrant := step.Action.Type() == schema.StepTypeWaitForSignal || step.ForEach != nil
		if !reentrant {
			continue
		}
		res := ec.Result(step.Name)
		if res == nil || res.Completed() {
			continue
		}
		if err := o.bus.Publish(ctx, bus.Event{
			Type:        schema.EventStepExecute,
			ExecutionID: ec.Execution.ID,
			Data:        schema.StepExecuteData{StepName: step.Name},
		}); err != nil {
			return err
		}
	}
	return nil
}

// claimStep inserts the claim row. reEval is true when the row already
// exists but the step kind is allowed to re-evaluate (waitForSignal: the
// claim stays open until the signal arrives).
func (o *Orchestrator) claimStep(ctx context.Context, ec *ExecContext, stepID string, step *schema.Step) (claimed, reEval bool, err error) {
	created, err := o.store.CreateStepResult(ctx, &schema.StepResult{
		ExecutionID:      ec.Execution.ID,
		StepID:           stepID,
		StartedAtEpochMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return false, false, err
	}
	if created != nil {
		ec.results[stepID] = created
		return true, false, nil
	}

	if step.Action.Type() == schema.StepTypeWaitForSignal {
		if res := ec.Result(stepID); res != nil && !res.Completed() {
			return false, true, nil
		}
	}
	o.logger.DebugContext(ctx, "step already claimed", "stepId", stepID)
	return false, false, nil
}

// executeStep resolves the input and runs the matching executor.
func (o *Orchestrator) executeStep(ctx context.Context, ec *ExecContext, stepID string, step *schema.Step, item any, index *int) StepOutcome {
	executor, ok := o.executors[step.Action.Type()]
	if !ok {
		return Failed(schema.NewErrorf(schema.ErrCodeValidation,
			"no executor for step %q", stepID).WithStep(stepID))
	}
	input := ec.ResolveInput(step, ec.Scope(item, index))
	return executor.Execute(ctx, ec, stepID, step, input)
}

// recordOutcome persists a step outcome and publishes step.completed, or
// parks the execution on Pending.
func (o *Orchestrator) recordOutcome(ctx context.Context, ec *ExecContext, stepID string, outcome StepOutcome) error {
	switch outcome.Kind {
	case OutcomePending:
		return o.park(ctx, ec)
	case OutcomeFailed:
		o.logger.WarnContext(ctx, "step failed", "stepId", stepID, "error", outcome.Err)
		if err := o.completeStepResult(ctx, ec.Execution.ID, stepID, nil, outcome.Err.Error()); err != nil {
			return err
		}
		return o.publishCompleted(ctx, ec.Execution.ID, stepID, nil, outcome.Err.Error(), nil)
	default:
		raw, err := json.Marshal(outcome.Output)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "marshal step output").WithCause(err).WithStep(stepID)
		}
		if err := o.completeStepResult(ctx, ec.Execution.ID, stepID, raw, ""); err != nil {
			return err
		}
		o.logger.InfoContext(ctx, "step completed", "stepId", stepID)
		return o.publishCompleted(ctx, ec.Execution.ID, stepID, outcome.Output, "", nil)
	}
}

func (o *Orchestrator) completeStepResult(ctx context.Context, executionID, stepID string, output json.RawMessage, errMsg string) error {
	now := time.Now().UnixMilli()
	patch := store.StepResultPatch{CompletedAtEpochMs: &now}
	if output != nil {
		patch.Output = output
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	return o.store.UpdateStepResult(ctx, executionID, stepID, patch)
}

func (o *Orchestrator) publishCompleted(ctx context.Context, executionID, stepName string, output any, errMsg string, iterIndex *int) error {
	return o.bus.Publish(ctx, bus.Event{
		Type:        schema.EventStepCompleted,
		ExecutionID: executionID,
		Data: schema.StepCompletedData{
			StepName:       stepName,
			Output:         output,
			Error:          errMsg,
			IterationIndex: iterIndex,
		},
	})
}

// park returns a running execution to enqueued, leaving its claim rows
// intact. The next signal or scheduler pass claims it again.
func (o *Orchestrator) park(ctx context.Context, ec *ExecContext) error {
	running := schema.ExecutionStatusRunning
	enqueued := schema.ExecutionStatusEnqueued
	_, err := o.store.UpdateExecution(ctx, ec.Execution.ID, store.ExecutionPatch{Status: &enqueued}, &running)
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "execution parked awaiting signal")
	return nil
}

// finalizeSuccess transitions running -> success with the last-completed
// step's output as the execution output.
func (o *Orchestrator) finalizeSuccess(ctx context.Context, ec *ExecContext) error {
	var last *schema.StepResult
	for i := range ec.Workflow.Steps {
		res := ec.Result(ec.Workflow.Steps[i].Name)
		if !res.Completed() {
			continue
		}
		if last == nil || *res.CompletedAtEpochMs >= *last.CompletedAtEpochMs {
			last = res
		}
	}
	raw := json.RawMessage(`null`)
	if last != nil && len(last.Output) > 0 {
		raw = last.Output
	}

	running := schema.ExecutionStatusRunning
	success := schema.ExecutionStatusSuccess
	now := time.Now().UnixMilli()
	updated, err := o.store.UpdateExecution(ctx, ec.Execution.ID, store.ExecutionPatch{
		Status:             &success,
		Output:             raw,
		CompletedAtEpochMs: &now,
	}, &running)
	if err != nil {
		return err
	}
	if updated != nil {
		o.logger.InfoContext(ctx, "execution succeeded")
	}
	return nil
}

// finalize transitions running -> status with an error message. The
// conditional update makes concurrent finalizers race safely: exactly one
// wins, the rest no-op.
func (o *Orchestrator) finalize(ctx context.Context, ec *ExecContext, status schema.ExecutionStatus, errMsg string) error {
	running := schema.ExecutionStatusRunning
	now := time.Now().UnixMilli()
	updated, err := o.store.UpdateExecution(ctx, ec.Execution.ID, store.ExecutionPatch{
		Status:             &status,
		Error:              &errMsg,
		CompletedAtEpochMs: &now,
	}, &running)
	if err != nil {
		return err
	}
	if updated != nil {
		o.logger.WarnContext(ctx, "execution failed", "status", status, "error", errMsg)
	}
	return nil
}
