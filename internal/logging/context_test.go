package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithExecutionID(ctx, "exec-123")
	ctx = WithStepID(ctx, "step-1")

	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := WithStepID(WithExecutionID(context.Background(), "exec-abc"), "fetch[2]")
	logger.InfoContext(ctx, "step claimed")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "step_id=fetch[2]")
	assert.Contains(t, output, "step claimed")
}

func TestCorrelationHandlerMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.InfoContext(WithExecutionID(context.Background(), "exec-only"), "partial")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "step_id")
}
