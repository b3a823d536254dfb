package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mcpstudio/engine/internal/bus"
	"github.com/mcpstudio/engine/internal/dag"
	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/internal/validation"
	"github.com/mcpstudio/engine/pkg/schema"
)

// Service is the engine's public entry surface: submit, inspect and steer
// executions. The MCP tools and the scheduler both sit on top of it.
type Service struct {
	store     store.Store
	bus       bus.Bus
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(st store.Store, b bus.Bus, validator *validation.JSONSchemaValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: b, validator: validator, logger: logger}
}

// ExecuteOptions tune a new execution.
type ExecuteOptions struct {
	StartAtEpochMs int64 // 0 = now
	TimeoutMs      int64 // 0 = no deadline
	CreatedBy      string
}

// Execute validates the workflow, snapshots it with a fresh execution in
// status enqueued, and wakes the orchestrator unless the start time lies
// in the future (the scheduler picks those up).
func (s *Service) Execute(ctx context.Context, wf *schema.Workflow, input map[string]any, opts ExecuteOptions) (*schema.WorkflowExecution, error) {
	if err := s.validator.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	if result := dag.ValidateNoCycles(wf.Steps); !result.IsValid {
		return nil, result.Error
	}

	now := time.Now().UnixMilli()
	snapshot := *wf
	snapshot.ID = uuid.NewString()
	snapshot.CreatedAtEpochMs = now
	if snapshot.CreatedBy == "" {
		snapshot.CreatedBy = opts.CreatedBy
	}

	startAt := opts.StartAtEpochMs
	if startAt == 0 {
		startAt = now
	}
	exec := &schema.WorkflowExecution{
		ID:             uuid.NewString(),
		WorkflowID:     snapshot.ID,
		Status:         schema.ExecutionStatusEnqueued,
		Input:          input,
		StartAtEpochMs: startAt,
		CreatedBy:      opts.CreatedBy,
	}
	if opts.TimeoutMs > 0 {
		exec.TimeoutMs = &opts.TimeoutMs
		deadline := startAt + opts.TimeoutMs
		exec.DeadlineAtEpochMs = &deadline
	}

	if err := s.store.CreateExecution(ctx, &snapshot, exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	s.logger.InfoContext(ctx, "execution created",
		"executionId", exec.ID, "workflowId", snapshot.ID, "steps", len(snapshot.Steps))

	if startAt <= now {
		if err := s.publishCreated(ctx, exec.ID); err != nil {
			return nil, err
		}
	}
	return exec, nil
}

// Status returns the execution with its workflow snapshot and step
// results.
func (s *Service) Status(ctx context.Context, executionID string) (*store.ExecutionContext, error) {
	return s.store.GetExecutionContext(ctx, executionID)
}

// Signal enqueues a named signal for an execution and wakes it. Signals
// to terminal executions are rejected.
func (s *Service) Signal(ctx context.Context, executionID, signalName string, payload json.RawMessage) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return schema.NewErrorf(schema.ErrCodeExecutionNotFound, "execution not found: %s", executionID)
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s and cannot receive signals", executionID, exec.Status)
	}

	if err := s.store.CreateSignal(ctx, &schema.Signal{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		SignalName:  signalName,
		Payload:     payload,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "create signal").WithCause(err)
	}
	s.logger.InfoContext(ctx, "signal received", "executionId", executionID, "signal", signalName)

	return s.bus.Publish(ctx, bus.Event{
		Type:        schema.EventSignalReceived,
		ExecutionID: executionID,
		Data:        schema.SignalReceivedData{SignalName: signalName},
	})
}

// Cancel requests cooperative cancellation. In-flight step attempts run to
// completion; nothing new is dispatched afterwards.
func (s *Service) Cancel(ctx context.Context, executionID string) (bool, error) {
	ok, err := s.store.CancelExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.InfoContext(ctx, "execution cancelled", "executionId", executionID)
	}
	return ok, nil
}

// Resume returns a cancelled execution to enqueued. Completed step results
// are kept; orphaned claims are released so the work re-runs.
func (s *Service) Resume(ctx context.Context, executionID string) (bool, error) {
	ok, err := s.store.ResumeExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.logger.InfoContext(ctx, "execution resumed", "executionId", executionID)
	return true, s.publishCreated(ctx, executionID)
}

// Plan describes how a workflow would run without executing it.
type Plan struct {
	Valid        bool                `json:"valid"`
	Error        string              `json:"error,omitempty"`
	Levels       [][]string          `json:"levels,omitempty"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
}

// Plan validates a workflow and reports its dependency levels.
func (s *Service) Plan(wf *schema.Workflow) *Plan {
	if err := s.validator.ValidateWorkflow(wf); err != nil {
		return &Plan{Valid: false, Error: err.Error()}
	}
	if result := dag.ValidateNoCycles(wf.Steps); !result.IsValid {
		return &Plan{Valid: false, Error: result.Error.Error()}
	}

	var levels [][]string
	for _, level := range dag.GroupStepsByLevel(wf.Steps) {
		names := make([]string, len(level))
		for i := range level {
			names[i] = level[i].Name
		}
		levels = append(levels, names)
	}
	return &Plan{Valid: true, Levels: levels, Dependencies: dag.Dependencies(wf.Steps)}
}

// Wake publishes a created event for an execution, used by the scheduler
// for due and resumed runs.
func (s *Service) Wake(ctx context.Context, executionID string) error {
	return s.publishCreated(ctx, executionID)
}

func (s *Service) publishCreated(ctx context.Context, executionID string) error {
	return s.bus.Publish(ctx, bus.Event{
		Type:        schema.EventExecutionCreated,
		ExecutionID: executionID,
	})
}
