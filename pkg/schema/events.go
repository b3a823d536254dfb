package schema

// Event types consumed by the orchestrator. All are delivered at least once
// (subject = execution ID); handlers must be idempotent.
const (
	EventExecutionCreated = "workflow.execution.created"
	EventStepExecute      = "workflow.step.execute"
	EventStepCompleted    = "workflow.step.completed"
	EventSignalReceived   = "workflow.signal.received"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusEnqueued  ExecutionStatus = "enqueued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusError
}

// executionTransitions is the validity table for the execution state
// machine. The actual guard is always a conditional store update; this
// table exists for guard clauses and tests.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusEnqueued:  {ExecutionStatusRunning, ExecutionStatusCancelled, ExecutionStatusError},
	ExecutionStatusRunning:   {ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCancelled, ExecutionStatusEnqueued},
	ExecutionStatusCancelled: {ExecutionStatusEnqueued},
}

// CanTransition reports whether from -> to is a legal execution transition.
// running -> enqueued is the pause path for wait-for-signal steps.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepExecuteData is the payload of an EventStepExecute event.
// IterationIndex and Item are set only for forEach iterations.
type StepExecuteData struct {
	StepName       string `json:"stepName"`
	IterationIndex *int   `json:"iterationIndex,omitempty"`
	Item           any    `json:"item,omitempty"`
}

// StepCompletedData is the payload of an EventStepCompleted event.
type StepCompletedData struct {
	StepName       string `json:"stepName"`
	Output         any    `json:"output,omitempty"`
	Error          string `json:"error,omitempty"`
	IterationIndex *int   `json:"iterationIndex,omitempty"`
}

// SignalReceivedData is the payload of an EventSignalReceived event.
type SignalReceivedData struct {
	SignalName string `json:"signalName"`
}
