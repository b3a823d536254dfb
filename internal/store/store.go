// Package store persists workflows, executions, step results and signals.
// Every mutation is either a unique-constraint claim insert or a conditional
// update guarded by expected prior state; this is the engine's sole
// mutual-exclusion mechanism (handlers may run on different processes).
package store

import (
	"context"
	"encoding/json"

	"github.com/mcpstudio/engine/pkg/schema"
)

// Store defines the persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (immutable snapshots)
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)

	// Executions
	// CreateExecution writes the workflow snapshot and the execution row
	// (status enqueued) together.
	CreateExecution(ctx context.Context, wf *schema.Workflow, exec *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	// ClaimExecution transitions enqueued -> running and returns the
	// execution joined with its workflow. Returns (nil, nil) when the
	// execution is missing or already claimed: callers treat that as
	// "skip", not as an error.
	ClaimExecution(ctx context.Context, id string) (*ExecutionContext, error)
	// UpdateExecution applies a conditional patch. When onlyIfStatus is
	// set and the row is not in that status, no update happens and
	// (nil, nil) is returned, enabling safe concurrent finalization.
	UpdateExecution(ctx context.Context, id string, patch ExecutionPatch, onlyIfStatus *schema.ExecutionStatus) (*schema.WorkflowExecution, error)
	// CancelExecution sets status cancelled only from enqueued or running.
	CancelExecution(ctx context.Context, id string) (bool, error)
	// ResumeExecution deletes claimed-but-incomplete step results (orphaned
	// in-flight work) and returns the execution to enqueued, only from
	// cancelled.
	ResumeExecution(ctx context.Context, id string) (bool, error)

	// Step results (claim rows)
	// CreateStepResult is the claim primitive: INSERT ... ON CONFLICT DO
	// NOTHING RETURNING. Returns (nil, nil) when another worker already
	// claimed the step.
	CreateStepResult(ctx context.Context, res *schema.StepResult) (*schema.StepResult, error)
	UpdateStepResult(ctx context.Context, executionID, stepID string, patch StepResultPatch) error
	GetStepResult(ctx context.Context, executionID, stepID string) (*schema.StepResult, error)
	GetStepResults(ctx context.Context, executionID string) ([]schema.StepResult, error)
	GetStepResultsByPrefix(ctx context.Context, executionID, prefix string) ([]schema.StepResult, error)
	// GetExecutionContext loads execution status, workflow definition and
	// all step results in a single round trip.
	GetExecutionContext(ctx context.Context, executionID string) (*ExecutionContext, error)

	// Signals (at-most-once consumption)
	CreateSignal(ctx context.Context, sig *schema.Signal) error
	// ConsumeSignal atomically deletes and returns the oldest matching
	// signal, or (nil, nil) when none has arrived.
	ConsumeSignal(ctx context.Context, executionID, signalName string) (*schema.Signal, error)

	// Scheduler support
	ListDueExecutions(ctx context.Context, nowEpochMs int64, limit int) ([]string, error)
	ListExpiredExecutions(ctx context.Context, nowEpochMs int64, limit int) ([]string, error)

	// Triggers (cron-driven recurring executions)
	CreateTrigger(ctx context.Context, trg *Trigger) error
	ListEnabledTriggers(ctx context.Context) ([]*Trigger, error)
	UpdateTriggerRun(ctx context.Context, id string, lastRunEpochMs, nextRunEpochMs int64) error

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}

// ExecutionContext bundles everything the orchestrator needs on each event.
type ExecutionContext struct {
	Execution   schema.WorkflowExecution
	Workflow    schema.Workflow
	StepResults []schema.StepResult
}

// ResultByStep indexes the step results by step ID.
func (c *ExecutionContext) ResultByStep() map[string]*schema.StepResult {
	out := make(map[string]*schema.StepResult, len(c.StepResults))
	for i := range c.StepResults {
		out[c.StepResults[i].StepID] = &c.StepResults[i]
	}
	return out
}

// ExecutionPatch specifies mutable execution fields. Nil fields are left
// untouched; updated_at always advances.
type ExecutionPatch struct {
	Status             *schema.ExecutionStatus
	Output             json.RawMessage
	Error              *string
	StartedAtEpochMs   *int64
	CompletedAtEpochMs *int64
}

// StepResultPatch specifies mutable step-result fields.
type StepResultPatch struct {
	Output             json.RawMessage
	Error              *string
	CompletedAtEpochMs *int64
}

// Trigger is a cron-scheduled recurring execution source: each firing
// stamps a fresh workflow snapshot from Definition and enqueues an
// execution for it.
type Trigger struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Definition       json.RawMessage `json:"definition"` // schema.Workflow template (id/createdAt ignored)
	CronExpression   string          `json:"cronExpression"`
	Enabled          bool            `json:"enabled"`
	CreatedBy        string          `json:"createdBy,omitempty"`
	LastRunAtEpochMs *int64          `json:"lastRunAtEpochMs,omitempty"`
	NextRunAtEpochMs *int64          `json:"nextRunAtEpochMs,omitempty"`
	CreatedAt        int64           `json:"createdAt"`
}
