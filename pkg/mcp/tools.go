package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpstudio/engine/internal/engine"
	"github.com/mcpstudio/engine/pkg/schema"
)

// handleExecute submits a workflow definition as a new execution.
func (s *StudioServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errResult := parseWorkflowArg(req)
	if errResult != nil {
		return errResult, nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	opts := engine.ExecuteOptions{
		StartAtEpochMs: int64(req.GetFloat("startAtEpochMs", 0)),
		TimeoutMs:      int64(req.GetFloat("timeoutMs", 0)),
		CreatedBy:      req.GetString("createdBy", ""),
	}

	exec, err := s.service.Execute(ctx, wf, input, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execute failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"executionId":    exec.ID,
		"workflowId":     exec.WorkflowID,
		"status":         exec.Status,
		"startAtEpochMs": exec.StartAtEpochMs,
	})
}

// handleStatus reports execution state, per-step results and the final
// output when present.
func (s *StudioServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	sc, statusErr := s.service.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	steps := make([]map[string]any, 0, len(sc.StepResults))
	for i := range sc.StepResults {
		res := &sc.StepResults[i]
		entry := map[string]any{
			"stepId":    res.StepID,
			"completed": res.Completed(),
		}
		if res.Failed() {
			entry["error"] = res.Error
		} else if res.Completed() && len(res.Output) > 0 {
			entry["output"] = json.RawMessage(res.Output)
		}
		steps = append(steps, entry)
	}

	result := map[string]any{
		"executionId": sc.Execution.ID,
		"workflowId":  sc.Execution.WorkflowID,
		"status":      sc.Execution.Status,
		"steps":       steps,
	}
	if sc.Execution.Error != "" {
		result["error"] = sc.Execution.Error
	}
	if len(sc.Execution.Output) > 0 {
		result["output"] = json.RawMessage(sc.Execution.Output)
	}
	return marshalResult(result)
}

// handleSignal queues a named signal and wakes the execution.
func (s *StudioServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	signalName, err := req.RequireString("signal_name")
	if err != nil {
		return mcp.NewToolResultError("signal_name is required"), nil
	}

	var payload json.RawMessage
	if m := mcp.ParseStringMap(req, "payload", nil); m != nil {
		raw, marshalErr := json.Marshal(m)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", marshalErr)), nil
		}
		payload = raw
	}

	if sigErr := s.service.Signal(ctx, executionID, signalName, payload); sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", sigErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"executionId": executionID,
		"signalName":  signalName,
	})
}

// handleCancel requests cooperative cancellation.
func (s *StudioServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	ok, cancelErr := s.service.Cancel(ctx, executionID)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	if !ok {
		return mcp.NewToolResultError("execution is not enqueued or running"), nil
	}
	return marshalResult(map[string]any{"ok": true, "executionId": executionID, "status": "cancelled"})
}

// handleResume returns a cancelled execution to the queue.
func (s *StudioServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	ok, resumeErr := s.service.Resume(ctx, executionID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	if !ok {
		return mcp.NewToolResultError("execution is not cancelled"), nil
	}
	return marshalResult(map[string]any{"ok": true, "executionId": executionID, "status": "enqueued"})
}

// handlePlan validates a definition and previews its execution levels.
func (s *StudioServer) handlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errResult := parseWorkflowArg(req)
	if errResult != nil {
		return errResult, nil
	}
	return marshalResult(s.service.Plan(wf))
}

// parseWorkflowArg decodes the "workflow" object argument.
func parseWorkflowArg(req mcp.CallToolRequest) (*schema.Workflow, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("workflow is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err))
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err))
	}
	return &wf, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
