package engine

import (
	"encoding/json"

	"github.com/mcpstudio/engine/internal/refs"
	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/pkg/schema"
)

// ExecContext is a read-side view over one execution: the workflow
// snapshot, the execution row and the completed step outputs, decoded
// once. Executors resolve step inputs against it.
type ExecContext struct {
	Execution schema.WorkflowExecution
	Workflow  schema.Workflow

	results map[string]*schema.StepResult
	outputs map[string]any
}

// NewExecContext builds an ExecContext from a store snapshot.
func NewExecContext(sc *store.ExecutionContext) *ExecContext {
	ec := &ExecContext{
		Execution: sc.Execution,
		Workflow:  sc.Workflow,
		results:   sc.ResultByStep(),
		outputs:   make(map[string]any),
	}
	for id, res := range ec.results {
		if !res.Completed() || res.Failed() {
			continue
		}
		var out any
		if len(res.Output) > 0 {
			_ = json.Unmarshal(res.Output, &out)
		}
		ec.outputs[id] = out
	}
	return ec
}

// Step returns the workflow step definition by name, or nil.
func (ec *ExecContext) Step(name string) *schema.Step {
	for i := range ec.Workflow.Steps {
		if ec.Workflow.Steps[i].Name == name {
			return &ec.Workflow.Steps[i]
		}
	}
	return nil
}

// Result returns the step result row for the given step ID, or nil.
func (ec *ExecContext) Result(stepID string) *schema.StepResult {
	return ec.results[stepID]
}

// Scope builds the ref-resolution scope, optionally carrying a forEach
// iteration binding.
func (ec *ExecContext) Scope(item any, index *int) *refs.Scope {
	return &refs.Scope{
		WorkflowInput: ec.Execution.Input,
		StepOutputs:   ec.outputs,
		Item:          item,
		Index:         index,
	}
}

// ResolveInput deep-copies the step's input with every ref token replaced
// by its resolved value.
func (ec *ExecContext) ResolveInput(step *schema.Step, scope *refs.Scope) map[string]any {
	if step.Input == nil {
		return nil
	}
	resolved, _ := refs.Resolve(step.Input, scope).(map[string]any)
	return resolved
}

// ResolveRef resolves a single ref token against the execution scope.
// Non-token strings come back unchanged.
func (ec *ExecContext) ResolveRef(token string, scope *refs.Scope) any {
	return refs.ResolveToken(token, scope)
}

// CompletedSteps returns the set of step names whose plain (non-iteration)
// result row completed successfully. Failed rows do not satisfy
// dependencies.
func (ec *ExecContext) CompletedSteps() map[string]bool {
	done := make(map[string]bool)
	for id, res := range ec.results {
		if res.Completed() && !res.Failed() {
			done[id] = true
		}
	}
	return done
}

// ClaimedSteps returns the set of step IDs with an existing result row,
// complete or not.
func (ec *ExecContext) ClaimedSteps() map[string]bool {
	claimed := make(map[string]bool, len(ec.results))
	for id := range ec.results {
		claimed[id] = true
	}
	return claimed
}
