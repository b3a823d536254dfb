package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mcpstudio/engine/internal/bus"
	"github.com/mcpstudio/engine/internal/engine"
	"github.com/mcpstudio/engine/internal/expressions"
	"github.com/mcpstudio/engine/internal/gateway"
	"github.com/mcpstudio/engine/internal/logging"
	"github.com/mcpstudio/engine/internal/scheduler"
	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/internal/validation"
	"github.com/mcpstudio/engine/pkg/mcp"
	"github.com/mcpstudio/engine/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		slog.Error("studio exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	b := bus.NewMemoryBus(logger, cfg.BusConcurrency)
	defer b.Close()

	exprs, err := expressions.NewRegistry()
	if err != nil {
		return err
	}
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}

	gw, err := gateway.NewMCPGateway(ctx, cfg.Connections, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	executors := map[schema.StepType]engine.Executor{
		schema.StepTypeToolCall:      engine.NewToolExecutor(gw, validator, exprs, logger),
		schema.StepTypeCode:          engine.NewCodeExecutor(exprs),
		schema.StepTypeWaitForSignal: engine.NewSignalExecutor(st),
	}
	engine.NewOrchestrator(st, b, executors, logger)
	svc := engine.NewService(st, b, validator, logger)

	sched := scheduler.NewScheduler(st, svc, cfg.tick(), logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	logger.Info("studio engine started", "db", cfg.DBPath, "connections", len(cfg.Connections))

	srv := mcp.NewStudioServer(mcp.StudioServerDeps{Service: svc, Logger: logger})
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// stdout carries the MCP stdio transport; logs go to stderr.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
