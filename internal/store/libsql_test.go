package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpstudio/engine/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{
		ID:        id,
		GatewayID: "gw-1",
		Steps: []schema.Step{
			{Name: "step1", Action: schema.StepAction{Code: &schema.CodeAction{Code: "1 + 1"}}},
		},
		CreatedAtEpochMs: time.Now().UnixMilli(),
	}
}

func testExecution(id, workflowID string) *schema.WorkflowExecution {
	return &schema.WorkflowExecution{
		ID:             id,
		WorkflowID:     workflowID,
		Status:         schema.ExecutionStatusEnqueued,
		Input:          map[string]any{"userId": float64(42)},
		StartAtEpochMs: time.Now().UnixMilli(),
	}
}

func seedExecution(t *testing.T, s *LibSQLStore, execID string) {
	t.Helper()
	wf := testWorkflow("wf-" + execID)
	require.NoError(t, s.CreateExecution(context.Background(), wf, testExecution(execID, wf.ID)))
}

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1")

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionStatusEnqueued, exec.Status)
	assert.Equal(t, "wf-exec-1", exec.WorkflowID)
	assert.Equal(t, map[string]any{"userId": float64(42)}, exec.Input)
	assert.Nil(t, exec.StartedAtEpochMs)

	wf, err := s.GetWorkflow(ctx, "wf-exec-1")
	require.NoError(t, err)
	require.NotNil(t, wf)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, "step1", wf.Steps[0].Name)
	assert.Equal(t, schema.StepTypeCode, wf.Steps[0].Action.Type())
}

func TestGetExecutionMissing(t *testing.T) {
	s := newTestStore(t)

	exec, err := s.GetExecution(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, exec)
}

func TestClaimExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	ec, err := s.ClaimExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, ec)
	assert.Equal(t, schema.ExecutionStatusRunning, ec.Execution.Status)
	require.NotNil(t, ec.Execution.StartedAtEpochMs)
	assert.Equal(t, "wf-exec-1", ec.Workflow.ID)
	assert.Empty(t, ec.StepResults)

	// Second claim finds the row already running and skips.
	ec2, err := s.ClaimExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Nil(t, ec2)
}

func TestClaimExecutionConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	const workers = 10
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec, err := s.ClaimExecution(ctx, "exec-1")
			assert.NoError(t, err)
			if ec != nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}

func TestUpdateExecutionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	running := schema.ExecutionStatusRunning
	success := schema.ExecutionStatusSuccess

	// Guard on running fails while the execution is still enqueued.
	got, err := s.UpdateExecution(ctx, "exec-1", ExecutionPatch{Status: &success}, &running)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.ClaimExecution(ctx, "exec-1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	got, err = s.UpdateExecution(ctx, "exec-1", ExecutionPatch{
		Status:             &success,
		Output:             json.RawMessage(`{"ok":true}`),
		CompletedAtEpochMs: &now,
	}, &running)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, schema.ExecutionStatusSuccess, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Output))

	// Only one concurrent finalizer can win the same guard.
	got, err = s.UpdateExecution(ctx, "exec-1", ExecutionPatch{Status: &success}, &running)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStepResultClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	res := &schema.StepResult{
		ExecutionID:      "exec-1",
		StepID:           "step1",
		StartedAtEpochMs: time.Now().UnixMilli(),
	}
	created, err := s.CreateStepResult(ctx, res)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.False(t, created.Completed())

	// Duplicate claim for the same step loses without error.
	dup, err := s.CreateStepResult(ctx, res)
	require.NoError(t, err)
	assert.Nil(t, dup)

	now := time.Now().UnixMilli()
	require.NoError(t, s.UpdateStepResult(ctx, "exec-1", "step1", StepResultPatch{
		Output:             json.RawMessage(`"done"`),
		CompletedAtEpochMs: &now,
	}))

	got, err := s.GetStepResult(ctx, "exec-1", "step1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Completed())
	assert.False(t, got.Failed())
	assert.Equal(t, `"done"`, string(got.Output))
}

func TestStepResultClaimConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	const workers = 10
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.CreateStepResult(ctx, &schema.StepResult{
				ExecutionID:      "exec-1",
				StepID:           "step1",
				StartedAtEpochMs: time.Now().UnixMilli(),
			})
			assert.NoError(t, err)
			if created != nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}

func TestStepResultsByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	now := time.Now().UnixMilli()
	for _, id := range []string{"fetch[0]", "fetch[1]", "fetch[10]", "fetchOther"} {
		_, err := s.CreateStepResult(ctx, &schema.StepResult{
			ExecutionID: "exec-1", StepID: id, StartedAtEpochMs: now,
		})
		require.NoError(t, err)
	}

	results, err := s.GetStepResultsByPrefix(ctx, "exec-1", "fetch[")
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotEqual(t, "fetchOther", r.StepID)
	}

	all, err := s.GetStepResults(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCancelAndResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	_, err := s.ClaimExecution(ctx, "exec-1")
	require.NoError(t, err)

	// One completed step, one claimed but in flight.
	now := time.Now().UnixMilli()
	_, err = s.CreateStepResult(ctx, &schema.StepResult{
		ExecutionID: "exec-1", StepID: "done", StartedAtEpochMs: now, CompletedAtEpochMs: &now,
		Output: json.RawMessage(`1`),
	})
	require.NoError(t, err)
	_, err = s.CreateStepResult(ctx, &schema.StepResult{
		ExecutionID: "exec-1", StepID: "inflight", StartedAtEpochMs: now,
	})
	require.NoError(t, err)

	ok, err := s.CancelExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancelling again is a no-op.
	ok, err = s.CancelExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ResumeExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, ok)

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusEnqueued, exec.Status)

	// Completed results survive the resume, incomplete claims are released.
	results, err := s.GetStepResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "done", results[0].StepID)
}

func TestResumeRequiresCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	ok, err := s.ResumeExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetExecutionContextJoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	now := time.Now().UnixMilli()
	_, err := s.CreateStepResult(ctx, &schema.StepResult{
		ExecutionID: "exec-1", StepID: "step1", StartedAtEpochMs: now, CompletedAtEpochMs: &now,
		Output: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)

	ec, err := s.GetExecutionContext(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", ec.Execution.ID)
	assert.Equal(t, "wf-exec-1", ec.Workflow.ID)
	assert.Equal(t, "gw-1", ec.Workflow.GatewayID)
	require.Len(t, ec.StepResults, 1)
	assert.JSONEq(t, `{"n":1}`, string(ec.StepResults[0].Output))

	byStep := ec.ResultByStep()
	require.Contains(t, byStep, "step1")
	assert.True(t, byStep["step1"].Completed())
}

func TestGetExecutionContextMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecutionContext(context.Background(), "nope")
	require.Error(t, err)
	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeExecutionNotFound, engineErr.Code)
}

func TestSignalConsumeOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateSignal(ctx, &schema.Signal{
			ID:          fmt.Sprintf("sig-%d", i),
			ExecutionID: "exec-1",
			SignalName:  "approval",
			Payload:     json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			CreatedAt:   int64(1000 + i),
		}))
	}

	// Oldest first, each consumed exactly once.
	for i := 0; i < 3; i++ {
		sig, err := s.ConsumeSignal(ctx, "exec-1", "approval")
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.Equal(t, fmt.Sprintf("sig-%d", i), sig.ID)
	}

	sig, err := s.ConsumeSignal(ctx, "exec-1", "approval")
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestConsumeSignalNameScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedExecution(t, s, "exec-1")

	require.NoError(t, s.CreateSignal(ctx, &schema.Signal{
		ID: "sig-1", ExecutionID: "exec-1", SignalName: "other",
	}))

	sig, err := s.ConsumeSignal(ctx, "exec-1", "approval")
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestListDueAndExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-due")
	due := testExecution("exec-due", wf.ID)
	due.StartAtEpochMs = 1000
	require.NoError(t, s.CreateExecution(ctx, wf, due))

	wf2 := testWorkflow("wf-future")
	future := testExecution("exec-future", wf2.ID)
	future.StartAtEpochMs = time.Now().UnixMilli() + 60_000
	require.NoError(t, s.CreateExecution(ctx, wf2, future))

	ids, err := s.ListDueExecutions(ctx, time.Now().UnixMilli(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-due"}, ids)

	// Claim and give it a deadline in the past.
	_, err = s.ClaimExecution(ctx, "exec-due")
	require.NoError(t, err)
	past := time.Now().UnixMilli() - 1
	_, err = s.UpdateExecution(ctx, "exec-due", ExecutionPatch{}, nil)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_execution SET deadline_at_epoch_ms = ? WHERE id = ?`, past, "exec-due")
	require.NoError(t, err)

	expired, err := s.ListExpiredExecutions(ctx, time.Now().UnixMilli(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-due"}, expired)
}

func TestTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := json.Marshal(testWorkflow("template"))
	require.NoError(t, err)

	require.NoError(t, s.CreateTrigger(ctx, &Trigger{
		ID: "trg-1", Name: "nightly", Definition: def, CronExpression: "0 3 * * *", Enabled: true,
	}))
	require.NoError(t, s.CreateTrigger(ctx, &Trigger{
		ID: "trg-2", Name: "disabled", Definition: def, CronExpression: "* * * * *", Enabled: false,
	}))

	triggers, err := s.ListEnabledTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "trg-1", triggers[0].ID)
	assert.Nil(t, triggers[0].LastRunAtEpochMs)

	now := time.Now().UnixMilli()
	require.NoError(t, s.UpdateTriggerRun(ctx, "trg-1", now, now+3_600_000))

	triggers, err = s.ListEnabledTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	require.NotNil(t, triggers[0].LastRunAtEpochMs)
	assert.Equal(t, now, *triggers[0].LastRunAtEpochMs)
}
