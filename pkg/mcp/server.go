// Package mcp exposes the engine as an MCP server so agents can submit,
// inspect and steer workflow executions.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpstudio/engine/internal/engine"
)

// StudioServerDeps holds the dependencies for creating a StudioServer.
type StudioServerDeps struct {
	Service *engine.Service
	Logger  *slog.Logger
}

// StudioServer wraps an MCP server with the studio tool handlers.
type StudioServer struct {
	service   *engine.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStudioServer creates a StudioServer with all 6 tools registered.
func NewStudioServer(deps StudioServerDeps) *StudioServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StudioServer{
		service: deps.Service,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"mcp-studio",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("MCP Studio runs durable tool/code workflows as dependency DAGs. Use studio.execute to run a workflow definition, studio.status to inspect progress and step outputs, studio.signal to unblock waitForSignal steps, studio.cancel and studio.resume to steer a run, and studio.plan to validate a definition and preview its execution levels."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *StudioServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *StudioServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StudioServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: planTool(), Handler: s.handlePlan},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("studio.execute",
		mcp.WithDescription("Execute a workflow definition as a new durable execution"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition: steps, gatewayId, optional default input")),
		mcp.WithObject("input", mcp.Description("Execution input, readable from steps via @input refs")),
		mcp.WithNumber("startAtEpochMs", mcp.Description("Deferred start time in epoch ms (default: now)")),
		mcp.WithNumber("timeoutMs", mcp.Description("Execution-level deadline in ms from start")),
		mcp.WithString("createdBy", mcp.Description("Identifier of the submitting agent or user")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("studio.status",
		mcp.WithDescription("Get execution status, step results and output"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("studio.signal",
		mcp.WithDescription("Deliver a named signal to an execution waiting on it"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("signal_name", mcp.Required(), mcp.Description("Name the waitForSignal step listens for")),
		mcp.WithObject("payload", mcp.Description("Signal payload; becomes the waiting step's output")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("studio.cancel",
		mcp.WithDescription("Cancel an enqueued or running execution (in-flight steps finish)"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("studio.resume",
		mcp.WithDescription("Resume a cancelled execution, keeping completed step results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to resume")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("studio.plan",
		mcp.WithDescription("Validate a workflow definition and preview its dependency levels without running it"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition to analyze")),
	)
}
