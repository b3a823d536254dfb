package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/internal/bus"
	"github.com/mcpstudio/engine/internal/engine"
	"github.com/mcpstudio/engine/internal/expressions"
	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/internal/validation"
	"github.com/mcpstudio/engine/pkg/schema"
)

type fixture struct {
	scheduler *Scheduler
	service   *engine.Service
	store     *store.LibSQLStore
	bus       *bus.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemoryBus(nil, 8)
	t.Cleanup(b.Close)

	exprs, err := expressions.NewRegistry()
	require.NoError(t, err)
	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	engine.NewOrchestrator(st, b, map[schema.StepType]engine.Executor{
		schema.StepTypeCode:          engine.NewCodeExecutor(exprs),
		schema.StepTypeWaitForSignal: engine.NewSignalExecutor(st),
	}, nil)
	service := engine.NewService(st, b, validator, nil)

	return &fixture{
		scheduler: NewScheduler(st, service, time.Minute, nil),
		service:   service,
		store:     st,
		bus:       b,
	}
}

func simpleWorkflow() *schema.Workflow {
	return &schema.Workflow{
		GatewayID: "gw",
		Steps: []schema.Step{
			{Name: "answer", Action: schema.StepAction{Code: &schema.CodeAction{Code: "42"}}},
		},
	}
}

func TestWakeDueRunsScheduledExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Start time slightly in the past but never published: this is the
	// shape left behind by a deferred start or a crash before dispatch.
	exec, err := f.service.Execute(ctx, simpleWorkflow(), nil, engine.ExecuteOptions{
		StartAtEpochMs: time.Now().UnixMilli() + 30,
	})
	require.NoError(t, err)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusEnqueued, got.Status)

	time.Sleep(40 * time.Millisecond)
	f.scheduler.Tick(ctx)
	f.bus.Drain()

	got, err = f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, got.Status)
}

func TestSweepDeadlinesFailsExpiredExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A wait that never resolves, with an execution-level deadline.
	wf := &schema.Workflow{
		GatewayID: "gw",
		Steps: []schema.Step{
			{Name: "gate", Action: schema.StepAction{WaitForSignal: &schema.WaitForSignalAction{SignalName: "never"}}},
		},
	}
	exec, err := f.service.Execute(ctx, wf, nil, engine.ExecuteOptions{TimeoutMs: 10})
	require.NoError(t, err)
	f.bus.Drain()

	// Force the parked execution back to running so it is sweepable, as
	// if it crashed mid-step past its deadline.
	running := schema.ExecutionStatusRunning
	enqueued := schema.ExecutionStatusEnqueued
	_, err = f.store.UpdateExecution(ctx, exec.ID, store.ExecutionPatch{Status: &running}, &enqueued)
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	f.scheduler.Tick(ctx)
	f.bus.Drain()

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusError, got.Status)
	assert.Contains(t, got.Error, "deadline")
}

func TestTriggerFiresAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def, err := json.Marshal(simpleWorkflow())
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTrigger(ctx, &store.Trigger{
		ID:             "trg-1",
		Name:           "nightly",
		Definition:     def,
		CronExpression: "0 3 * * *",
		Enabled:        true,
	}))

	f.scheduler.Tick(ctx)
	f.bus.Drain()

	triggers, err := f.store.ListEnabledTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	require.NotNil(t, triggers[0].LastRunAtEpochMs)
	require.NotNil(t, triggers[0].NextRunAtEpochMs)
	assert.Greater(t, *triggers[0].NextRunAtEpochMs, time.Now().UnixMilli())

	// The fired execution ran to completion.
	ids, err := f.store.ListDueExecutions(ctx, time.Now().UnixMilli()+1, 10)
	require.NoError(t, err)
	assert.Empty(t, ids) // claimed already, nothing left enqueued

	// A second tick before the next cron boundary does not refire.
	f.scheduler.Tick(ctx)
	f.bus.Drain()
	after, err := f.store.ListEnabledTriggers(ctx)
	require.NoError(t, err)
	assert.Equal(t, *triggers[0].LastRunAtEpochMs, *after[0].LastRunAtEpochMs)
}

func TestNextRun(t *testing.T) {
	f := newFixture(t)

	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := f.scheduler.NextRun("0 3 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)

	_, err = f.scheduler.NextRun("not a cron", now)
	require.Error(t, err)
}
