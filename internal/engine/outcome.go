package engine

import "github.com/mcpstudio/engine/pkg/schema"

// OutcomeKind discriminates step outcomes. Pending is a first-class state,
// not an error: a waitForSignal step whose signal has not arrived yields
// Pending and the execution parks until the signal lands.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomePending
)

// StepOutcome is the result of one step attempt.
type StepOutcome struct {
	Kind   OutcomeKind
	Output any
	Err    *schema.EngineError
}

// Completed wraps a successful output.
func Completed(output any) StepOutcome {
	return StepOutcome{Kind: OutcomeCompleted, Output: output}
}

// Failed wraps a step error.
func Failed(err *schema.EngineError) StepOutcome {
	return StepOutcome{Kind: OutcomeFailed, Err: err}
}

// Pending marks the step as parked awaiting an external signal.
func Pending() StepOutcome {
	return StepOutcome{Kind: OutcomePending}
}
