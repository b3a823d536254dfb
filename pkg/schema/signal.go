package schema

import "encoding/json"

// Signal is an externally delivered, at-most-once-consumable event that
// unblocks a waitForSignal step. Consumption is guarded by a conditional
// delete, the same pattern as step claims.
type Signal struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	SignalName  string          `json:"signalName"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
}
