package engine

import (
	"context"
	"log/slog"

	"github.com/mcpstudio/engine/internal/expressions"
	"github.com/mcpstudio/engine/internal/gateway"
	"github.com/mcpstudio/engine/internal/validation"
	"github.com/mcpstudio/engine/pkg/schema"
)

// ToolExecutor runs toolCall steps against an MCP gateway. The pipeline
// per call: coerce input to the tool's declared schema, invoke, filter the
// result to outputSchema, validate it, then optionally pipe it through
// transformCode.
type ToolExecutor struct {
	gateway   gateway.Gateway
	validator *validation.JSONSchemaValidator
	exprs     *expressions.Registry
	logger    *slog.Logger
}

// NewToolExecutor creates a tool executor.
func NewToolExecutor(gw gateway.Gateway, validator *validation.JSONSchemaValidator, exprs *expressions.Registry, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{gateway: gw, validator: validator, exprs: exprs, logger: logger}
}

func (e *ToolExecutor) Execute(ctx context.Context, ec *ExecContext, stepID string, step *schema.Step, input map[string]any) StepOutcome {
	action := step.Action.ToolCall
	if action == nil {
		return Failed(schema.NewError(schema.ErrCodeValidation, "not a toolCall step").WithStep(stepID))
	}

	connectionID := action.ConnectionID
	if connectionID == "" {
		connectionID = action.GatewayID
	}
	if connectionID == "" {
		connectionID = ec.Workflow.GatewayID
	}

	ctx, cancel := context.WithTimeout(ctx, stepTimeout(step, defaultToolTimeout))
	defer cancel()

	args := input
	inputSchema, err := e.gateway.ToolInputSchema(ctx, connectionID, action.ToolName)
	if err != nil {
		// Schema discovery is best-effort: the call itself decides.
		e.logger.WarnContext(ctx, "tool schema lookup failed",
			"tool", action.ToolName, "connection", connectionID, "error", err)
	} else if inputSchema != nil {
		args, _ = CoerceToSchema(input, inputSchema).(map[string]any)
	}

	out, err := e.gateway.CallTool(ctx, connectionID, action.ToolName, args)
	if err != nil {
		return Failed(timeoutOr(ctx, asEngineError(err)).WithStep(stepID))
	}

	out = FilterToSchema(out, step.OutputSchema)
	if len(step.OutputSchema) > 0 {
		if err := e.validator.ValidateValue(out, step.OutputSchema); err != nil {
			return Failed(asEngineError(err).WithStep(stepID))
		}
	}

	if action.TransformCode != "" {
		engine, err := e.exprs.Engine("")
		if err != nil {
			return Failed(asEngineError(err).WithStep(stepID))
		}
		out, err = engine.Evaluate(ctx, action.TransformCode, out)
		if err != nil {
			return Failed(timeoutOr(ctx, asEngineError(err)).WithStep(stepID))
		}
	}
	return Completed(out)
}

var _ Executor = (*ToolExecutor)(nil)
