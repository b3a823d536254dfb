package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/internal/bus"
	"github.com/mcpstudio/engine/internal/engine"
	"github.com/mcpstudio/engine/internal/expressions"
	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/internal/validation"
	"github.com/mcpstudio/engine/pkg/schema"
)

// --- Harness ---

type testServer struct {
	server *StudioServer
	bus    *bus.MemoryBus
}

// newTestServer wires a real engine (store, bus, orchestrator) behind the
// MCP handlers. Code and waitForSignal executors are registered; tool calls
// are exercised in the engine package tests.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "studio.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemoryBus(nil, 16)
	t.Cleanup(b.Close)

	exprs, err := expressions.NewRegistry()
	require.NoError(t, err)
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	executors := map[schema.StepType]engine.Executor{
		schema.StepTypeCode:          engine.NewCodeExecutor(exprs),
		schema.StepTypeWaitForSignal: engine.NewSignalExecutor(st),
	}
	engine.NewOrchestrator(st, b, executors, nil)

	svc := engine.NewService(st, b, validator, nil)
	return &testServer{
		server: NewStudioServer(StudioServerDeps{Service: svc}),
		bus:    b,
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func codeWorkflow() map[string]any {
	return map[string]any{
		"gatewayId": "gw",
		"steps": []any{
			map[string]any{
				"name":   "double",
				"action": map[string]any{"code": map[string]any{"code": "input.n * 2"}},
				"input":  map[string]any{"n": "@input.n"},
			},
		},
	}
}

func executionID(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	var out struct {
		ExecutionID string `json:"executionId"`
	}
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.ExecutionID)
	return out.ExecutionID
}

// --- Tests ---

func TestExecuteTool(t *testing.T) {
	ts := newTestServer(t)

	req := buildRequest("studio.execute", map[string]any{
		"workflow": codeWorkflow(),
		"input":    map[string]any{"n": float64(21)},
	})
	result, err := ts.server.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	id := executionID(t, result)
	ts.bus.Drain()

	statusReq := buildRequest("studio.status", map[string]any{"execution_id": id})
	statusResult, err := ts.server.handleStatus(context.Background(), statusReq)
	require.NoError(t, err)
	assert.False(t, statusResult.IsError)

	var status struct {
		Status string          `json:"status"`
		Output json.RawMessage `json:"output"`
		Steps  []struct {
			StepID    string          `json:"stepId"`
			Completed bool            `json:"completed"`
			Output    json.RawMessage `json:"output"`
		} `json:"steps"`
	}
	unmarshalResult(t, statusResult, &status)
	assert.Equal(t, "success", status.Status)
	assert.JSONEq(t, `42`, string(status.Output))
	require.Len(t, status.Steps, 1)
	assert.Equal(t, "double", status.Steps[0].StepID)
	assert.True(t, status.Steps[0].Completed)
	assert.JSONEq(t, "42", string(status.Steps[0].Output))
}

func TestExecuteToolMissingWorkflow(t *testing.T) {
	ts := newTestServer(t)

	req := buildRequest("studio.execute", map[string]any{})
	result, err := ts.server.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecuteToolRejectsCycle(t *testing.T) {
	ts := newTestServer(t)

	req := buildRequest("studio.execute", map[string]any{
		"workflow": map[string]any{
			"gatewayId": "gw",
			"steps": []any{
				map[string]any{
					"name":   "a",
					"action": map[string]any{"code": map[string]any{"code": "input.v"}},
					"input":  map[string]any{"v": "@b"},
				},
				map[string]any{
					"name":   "b",
					"action": map[string]any{"code": map[string]any{"code": "input.v"}},
					"input":  map[string]any{"v": "@a"},
				},
			},
		},
	})
	result, err := ts.server.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "cycle")
}

func TestStatusToolMissingID(t *testing.T) {
	ts := newTestServer(t)

	result, err := ts.server.handleStatus(context.Background(), buildRequest("studio.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	ts := newTestServer(t)

	req := buildRequest("studio.status", map[string]any{"execution_id": "missing"})
	result, err := ts.server.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSignalToolRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	req := buildRequest("studio.execute", map[string]any{
		"workflow": map[string]any{
			"gatewayId": "gw",
			"steps": []any{
				map[string]any{
					"name":   "approval",
					"action": map[string]any{"waitForSignal": map[string]any{"signalName": "approve"}},
				},
			},
		},
	})
	result, err := ts.server.handleExecute(ctx, req)
	require.NoError(t, err)
	id := executionID(t, result)
	ts.bus.Drain()

	signalReq := buildRequest("studio.signal", map[string]any{
		"execution_id": id,
		"signal_name":  "approve",
		"payload":      map[string]any{"approved": true},
	})
	signalResult, err := ts.server.handleSignal(ctx, signalReq)
	require.NoError(t, err)
	assert.False(t, signalResult.IsError)
	ts.bus.Drain()

	statusReq := buildRequest("studio.status", map[string]any{"execution_id": id})
	statusResult, err := ts.server.handleStatus(ctx, statusReq)
	require.NoError(t, err)

	var status struct {
		Status string `json:"status"`
	}
	unmarshalResult(t, statusResult, &status)
	assert.Equal(t, "success", status.Status)
}

func TestSignalToolMissingParams(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// Missing execution_id.
	result, err := ts.server.handleSignal(ctx, buildRequest("studio.signal", map[string]any{"signal_name": "go"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing signal_name.
	result, err = ts.server.handleSignal(ctx, buildRequest("studio.signal", map[string]any{"execution_id": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelAndResumeTools(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// Deferred start keeps the execution enqueued so cancel lands cleanly.
	farFuture := time.Now().Add(time.Hour).UnixMilli()
	req := buildRequest("studio.execute", map[string]any{
		"workflow":       codeWorkflow(),
		"input":          map[string]any{"n": float64(1)},
		"startAtEpochMs": float64(farFuture),
	})
	result, err := ts.server.handleExecute(ctx, req)
	require.NoError(t, err)
	id := executionID(t, result)

	cancelReq := buildRequest("studio.cancel", map[string]any{"execution_id": id})
	cancelResult, err := ts.server.handleCancel(ctx, cancelReq)
	require.NoError(t, err)
	assert.False(t, cancelResult.IsError)

	// Second cancel is a no-op.
	cancelResult, err = ts.server.handleCancel(ctx, cancelReq)
	require.NoError(t, err)
	assert.True(t, cancelResult.IsError)

	resumeReq := buildRequest("studio.resume", map[string]any{"execution_id": id})
	resumeResult, err := ts.server.handleResume(ctx, resumeReq)
	require.NoError(t, err)
	assert.False(t, resumeResult.IsError)

	// Resuming a non-cancelled execution fails.
	resumeResult, err = ts.server.handleResume(ctx, resumeReq)
	require.NoError(t, err)
	assert.True(t, resumeResult.IsError)
}

func TestPlanTool(t *testing.T) {
	ts := newTestServer(t)

	req := buildRequest("studio.plan", map[string]any{
		"workflow": map[string]any{
			"gatewayId": "gw",
			"steps": []any{
				map[string]any{
					"name":   "first",
					"action": map[string]any{"code": map[string]any{"code": "1"}},
				},
				map[string]any{
					"name":   "second",
					"action": map[string]any{"code": map[string]any{"code": "input.v"}},
					"input":  map[string]any{"v": "@first"},
				},
			},
		},
	})
	result, err := ts.server.handlePlan(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var plan struct {
		Valid        bool                `json:"valid"`
		Levels       [][]string          `json:"levels"`
		Dependencies map[string][]string `json:"dependencies"`
	}
	unmarshalResult(t, result, &plan)
	assert.True(t, plan.Valid)
	assert.Equal(t, [][]string{{"first"}, {"second"}}, plan.Levels)
	assert.Equal(t, []string{"first"}, plan.Dependencies["second"])
}

func TestPlanToolReportsCycle(t *testing.T) {
	ts := newTestServer(t)

	req := buildRequest("studio.plan", map[string]any{
		"workflow": map[string]any{
			"gatewayId": "gw",
			"steps": []any{
				map[string]any{
					"name":   "loop",
					"action": map[string]any{"code": map[string]any{"code": "input.v"}},
					"input":  map[string]any{"v": "@loop"},
				},
			},
		},
	})
	result, err := ts.server.handlePlan(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var plan struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	unmarshalResult(t, result, &plan)
	assert.False(t, plan.Valid)
	assert.NotEmpty(t, plan.Error)
}
