package schema

import "encoding/json"

// Workflow is the immutable definition snapshot an execution runs against.
// Written once at execution-creation time; never mutated afterwards.
type Workflow struct {
	ID                   string         `json:"id"`
	WorkflowCollectionID string         `json:"workflowCollectionId,omitempty"`
	Steps                []Step         `json:"steps"`
	Input                map[string]any `json:"input,omitempty"`
	GatewayID            string         `json:"gatewayId"`
	CreatedAtEpochMs     int64          `json:"createdAtEpochMs"`
	CreatedBy            string         `json:"createdBy,omitempty"`
}

// Step describes a single node in the workflow DAG.
// Dependencies are not declared explicitly: they are inferred from @step
// refs embedded in Input and from ForEach.Ref.
type Step struct {
	Name         string          `json:"name"`
	Action       StepAction      `json:"action"`
	Input        map[string]any  `json:"input,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	ForEach      *ForEach        `json:"forEach,omitempty"`
	Config       *StepConfig     `json:"config,omitempty"`
}

// StepAction is a closed union with exactly three variants. Exactly one of
// the pointers must be set; Type resolves the discriminator once.
type StepAction struct {
	ToolCall      *ToolCallAction      `json:"toolCall,omitempty"`
	Code          *CodeAction          `json:"code,omitempty"`
	WaitForSignal *WaitForSignalAction `json:"waitForSignal,omitempty"`
}

// StepType enumerates the action variants.
type StepType string

const (
	StepTypeToolCall      StepType = "toolCall"
	StepTypeCode          StepType = "code"
	StepTypeWaitForSignal StepType = "waitForSignal"
	StepTypeInvalid       StepType = ""
)

// Type returns the action variant, or StepTypeInvalid when zero or more
// than one variant is set.
func (a StepAction) Type() StepType {
	var t StepType
	n := 0
	if a.ToolCall != nil {
		t, n = StepTypeToolCall, n+1
	}
	if a.Code != nil {
		t, n = StepTypeCode, n+1
	}
	if a.WaitForSignal != nil {
		t, n = StepTypeWaitForSignal, n+1
	}
	if n != 1 {
		return StepTypeInvalid
	}
	return t
}

// ToolCallAction invokes a named tool on a remote gateway.
// TransformCode, when set, pipes the (optionally schema-filtered) tool
// result through the code executor.
type ToolCallAction struct {
	ConnectionID  string `json:"connectionId,omitempty"`
	GatewayID     string `json:"gatewayId,omitempty"`
	ToolName      string `json:"toolName"`
	TransformCode string `json:"transformCode,omitempty"`
}

// CodeAction runs a deterministic transform in the expression sandbox.
// Language selects the engine: "expr" (default), "cel", or "jq".
type CodeAction struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// WaitForSignalAction pauses the execution until a matching signal arrives.
type WaitForSignalAction struct {
	SignalName string `json:"signalName"`
}

// ForEach fans a step out into one iteration per element of the array the
// ref resolves to. Concurrency bounds in-flight iterations (0 = unbounded).
type ForEach struct {
	Ref         string `json:"ref"`
	Concurrency int    `json:"concurrency,omitempty"`
	OnError     string `json:"onError,omitempty"` // fail | continue (default: fail)
}

// ForEach OnError policies.
const (
	ForEachFail     = "fail"
	ForEachContinue = "continue"
)

// StepConfig holds per-step runtime limits.
type StepConfig struct {
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// WorkflowExecution is the mutable run record for one workflow snapshot.
type WorkflowExecution struct {
	ID                 string          `json:"id"`
	WorkflowID         string          `json:"workflowId"`
	Status             ExecutionStatus `json:"status"`
	Input              map[string]any  `json:"input,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	Error              string          `json:"error,omitempty"`
	CreatedAt          int64           `json:"createdAt"`
	UpdatedAt          int64           `json:"updatedAt"`
	StartAtEpochMs     int64           `json:"startAtEpochMs"`
	StartedAtEpochMs   *int64          `json:"startedAtEpochMs,omitempty"`
	CompletedAtEpochMs *int64          `json:"completedAtEpochMs,omitempty"`
	TimeoutMs          *int64          `json:"timeoutMs,omitempty"`
	DeadlineAtEpochMs  *int64          `json:"deadlineAtEpochMs,omitempty"`
	CreatedBy          string          `json:"createdBy,omitempty"`
}

// StepResult is one row per step (or per forEach iteration, keyed
// "name[index]"). The existence of the row is the claim: being its unique
// creator grants the exclusive right to execute that step. A row without
// CompletedAtEpochMs is claimed and in flight.
type StepResult struct {
	ExecutionID        string          `json:"executionId"`
	StepID             string          `json:"stepId"`
	StartedAtEpochMs   int64           `json:"startedAtEpochMs"`
	CompletedAtEpochMs *int64          `json:"completedAtEpochMs,omitempty"`
	Output             json.RawMessage `json:"output,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// Completed reports whether the step result has finished (success or error).
func (r *StepResult) Completed() bool {
	return r != nil && r.CompletedAtEpochMs != nil
}

// Failed reports whether the step result finished with an error.
func (r *StepResult) Failed() bool {
	return r.Completed() && r.Error != ""
}
