package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/mcpstudio/engine/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow throughout.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	return s.insertWorkflow(ctx, s.db, wf)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LibSQLStore) insertWorkflow(ctx context.Context, db execer, wf *schema.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	input, err := marshalMapOrNull(wf.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO workflow (id, workflow_collection_id, steps, input, gateway_id, created_at_epoch_ms, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.WorkflowCollectionID), string(steps), input, wf.GatewayID,
		wf.CreatedAtEpochMs, nullStr(wf.CreatedBy),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_collection_id, steps, input, gateway_id, created_at_epoch_ms, created_by
		 FROM workflow WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var collectionID, createdBy sql.NullString
	var stepsJSON string
	var inputJSON sql.NullString
	if err := row.Scan(&wf.ID, &collectionID, &stepsJSON, &inputJSON, &wf.GatewayID,
		&wf.CreatedAtEpochMs, &createdBy); err != nil {
		return nil, err
	}
	wf.WorkflowCollectionID = collectionID.String
	wf.CreatedBy = createdBy.String
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &wf.Input)
	}
	return wf, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, wf *schema.Workflow, exec *schema.WorkflowExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertWorkflow(ctx, tx, wf); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	input, err := marshalMapOrNull(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	now := time.Now().UnixMilli()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusEnqueued
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_execution
		 (id, workflow_id, status, input, output, error, created_at, updated_at,
		  start_at_epoch_ms, started_at_epoch_ms, completed_at_epoch_ms, timeout_ms, deadline_at_epoch_ms, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), input, nullRaw(exec.Output), nullStr(exec.Error),
		exec.CreatedAt, exec.UpdatedAt, exec.StartAtEpochMs,
		nullI64(exec.StartedAtEpochMs), nullI64(exec.CompletedAtEpochMs),
		nullI64(exec.TimeoutMs), nullI64(exec.DeadlineAtEpochMs), nullStr(exec.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return tx.Commit()
}

const executionColumns = `id, workflow_id, status, input, output, error, created_at, updated_at,
	start_at_epoch_ms, started_at_epoch_ms, completed_at_epoch_ms, timeout_ms, deadline_at_epoch_ms, created_by`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_execution WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

func scanExecution(row rowScanner) (*schema.WorkflowExecution, error) {
	exec := &schema.WorkflowExecution{}
	var status string
	var input, output, errStr, createdBy sql.NullString
	var startedAt, completedAt, timeoutMs, deadlineAt sql.NullInt64
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &status, &input, &output, &errStr,
		&exec.CreatedAt, &exec.UpdatedAt, &exec.StartAtEpochMs,
		&startedAt, &completedAt, &timeoutMs, &deadlineAt, &createdBy); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &exec.Input)
	}
	if output.Valid {
		exec.Output = json.RawMessage(output.String)
	}
	exec.Error = errStr.String
	exec.CreatedBy = createdBy.String
	exec.StartedAtEpochMs = intPtr(startedAt)
	exec.CompletedAtEpochMs = intPtr(completedAt)
	exec.TimeoutMs = intPtr(timeoutMs)
	exec.DeadlineAtEpochMs = intPtr(deadlineAt)
	return exec, nil
}

func (s *LibSQLStore) ClaimExecution(ctx context.Context, id string) (*ExecutionContext, error) {
	now := time.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE workflow_execution
		 SET status = ?, started_at_epoch_ms = COALESCE(started_at_epoch_ms, ?), updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+executionColumns,
		string(schema.ExecutionStatusRunning), now, now, id, string(schema.ExecutionStatusEnqueued))
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // already claimed or not found: skip, not error
	}
	if err != nil {
		return nil, err
	}

	wf, err := s.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "execution %s references missing workflow %s", id, exec.WorkflowID)
	}
	results, err := s.GetStepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExecutionContext{Execution: *exec, Workflow: *wf, StepResults: results}, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, patch ExecutionPatch, onlyIfStatus *schema.ExecutionStatus) (*schema.WorkflowExecution, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(patch.Output))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.StartedAtEpochMs != nil {
		sets = append(sets, "started_at_epoch_ms = ?")
		args = append(args, *patch.StartedAtEpochMs)
	}
	if patch.CompletedAtEpochMs != nil {
		sets = append(sets, "completed_at_epoch_ms = ?")
		args = append(args, *patch.CompletedAtEpochMs)
	}

	query := `UPDATE workflow_execution SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if onlyIfStatus != nil {
		query += ` AND status = ?`
		args = append(args, string(*onlyIfStatus))
	}
	query += ` RETURNING ` + executionColumns

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // guard failed: exactly one concurrent finalizer wins
	}
	return exec, err
}

func (s *LibSQLStore) CancelExecution(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_execution SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(schema.ExecutionStatusCancelled), time.Now().UnixMilli(), id,
		string(schema.ExecutionStatusEnqueued), string(schema.ExecutionStatusRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LibSQLStore) ResumeExecution(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_execution SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(schema.ExecutionStatusEnqueued), time.Now().UnixMilli(), id,
		string(schema.ExecutionStatusCancelled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	// Orphaned in-flight claims from before cancellation become
	// re-claimable again.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_execution_step_result
		 WHERE execution_id = ? AND completed_at_epoch_ms IS NULL`, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// --- Step results ---

func (s *LibSQLStore) CreateStepResult(ctx context.Context, res *schema.StepResult) (*schema.StepResult, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO workflow_execution_step_result
		 (execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO NOTHING
		 RETURNING execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error`,
		res.ExecutionID, res.StepID, res.StartedAtEpochMs,
		nullI64(res.CompletedAtEpochMs), nullRaw(res.Output), nullStr(res.Error))
	created, err := scanStepResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // lost the claim race
	}
	return created, err
}

func (s *LibSQLStore) UpdateStepResult(ctx context.Context, executionID, stepID string, patch StepResultPatch) error {
	var sets []string
	var args []any
	if patch.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(patch.Output))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.CompletedAtEpochMs != nil {
		sets = append(sets, "completed_at_epoch_ms = ?")
		args = append(args, *patch.CompletedAtEpochMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, executionID, stepID)
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_execution_step_result SET `+strings.Join(sets, ", ")+
			` WHERE execution_id = ? AND step_id = ?`, args...)
	return err
}

func scanStepResult(row rowScanner) (*schema.StepResult, error) {
	res := &schema.StepResult{}
	var completedAt sql.NullInt64
	var output, errStr sql.NullString
	if err := row.Scan(&res.ExecutionID, &res.StepID, &res.StartedAtEpochMs,
		&completedAt, &output, &errStr); err != nil {
		return nil, err
	}
	res.CompletedAtEpochMs = intPtr(completedAt)
	if output.Valid {
		res.Output = json.RawMessage(output.String)
	}
	res.Error = errStr.String
	return res, nil
}

func (s *LibSQLStore) GetStepResult(ctx context.Context, executionID, stepID string) (*schema.StepResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error
		 FROM workflow_execution_step_result WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID)
	res, err := scanStepResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

func (s *LibSQLStore) GetStepResults(ctx context.Context, executionID string) ([]schema.StepResult, error) {
	return s.queryStepResults(ctx,
		`SELECT execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error
		 FROM workflow_execution_step_result WHERE execution_id = ? ORDER BY step_id`, executionID)
}

func (s *LibSQLStore) GetStepResultsByPrefix(ctx context.Context, executionID, prefix string) ([]schema.StepResult, error) {
	return s.queryStepResults(ctx,
		`SELECT execution_id, step_id, started_at_epoch_ms, completed_at_epoch_ms, output, error
		 FROM workflow_execution_step_result
		 WHERE execution_id = ? AND step_id LIKE ? ESCAPE '\' ORDER BY step_id`,
		executionID, escapeLike(prefix)+"%")
}

func (s *LibSQLStore) queryStepResults(ctx context.Context, query string, args ...any) ([]schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.StepResult
	for rows.Next() {
		res, err := scanStepResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// GetExecutionContext loads execution, workflow and all step results in one
// round trip via a LEFT JOIN (execution columns repeat per result row).
func (s *LibSQLStore) GetExecutionContext(ctx context.Context, executionID string) (*ExecutionContext, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.workflow_id, e.status, e.input, e.output, e.error, e.created_at, e.updated_at,
		        e.start_at_epoch_ms, e.started_at_epoch_ms, e.completed_at_epoch_ms, e.timeout_ms, e.deadline_at_epoch_ms, e.created_by,
		        w.workflow_collection_id, w.steps, w.input, w.gateway_id, w.created_at_epoch_ms, w.created_by,
		        r.step_id, r.started_at_epoch_ms, r.completed_at_epoch_ms, r.output, r.error
		 FROM workflow_execution e
		 JOIN workflow w ON w.id = e.workflow_id
		 LEFT JOIN workflow_execution_step_result r ON r.execution_id = e.id
		 WHERE e.id = ?
		 ORDER BY r.step_id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ec *ExecutionContext
	for rows.Next() {
		exec := schema.WorkflowExecution{}
		wf := schema.Workflow{}
		var status string
		var execInput, execOutput, execErr, execCreatedBy sql.NullString
		var startedAt, completedAt, timeoutMs, deadlineAt sql.NullInt64
		var wfCollection, wfInput, wfCreatedBy sql.NullString
		var wfSteps string
		var rStepID, rOutput, rError sql.NullString
		var rStartedAt, rCompletedAt sql.NullInt64

		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &status, &execInput, &execOutput, &execErr,
			&exec.CreatedAt, &exec.UpdatedAt, &exec.StartAtEpochMs,
			&startedAt, &completedAt, &timeoutMs, &deadlineAt, &execCreatedBy,
			&wfCollection, &wfSteps, &wfInput, &wf.GatewayID, &wf.CreatedAtEpochMs, &wfCreatedBy,
			&rStepID, &rStartedAt, &rCompletedAt, &rOutput, &rError); err != nil {
			return nil, err
		}

		if ec == nil {
			exec.Status = schema.ExecutionStatus(status)
			if execInput.Valid && execInput.String != "" {
				_ = json.Unmarshal([]byte(execInput.String), &exec.Input)
			}
			if execOutput.Valid {
				exec.Output = json.RawMessage(execOutput.String)
			}
			exec.Error = execErr.String
			exec.CreatedBy = execCreatedBy.String
			exec.StartedAtEpochMs = intPtr(startedAt)
			exec.CompletedAtEpochMs = intPtr(completedAt)
			exec.TimeoutMs = intPtr(timeoutMs)
			exec.DeadlineAtEpochMs = intPtr(deadlineAt)

			wf.ID = exec.WorkflowID
			wf.WorkflowCollectionID = wfCollection.String
			wf.CreatedBy = wfCreatedBy.String
			if err := json.Unmarshal([]byte(wfSteps), &wf.Steps); err != nil {
				return nil, fmt.Errorf("unmarshal steps: %w", err)
			}
			if wfInput.Valid && wfInput.String != "" {
				_ = json.Unmarshal([]byte(wfInput.String), &wf.Input)
			}
			ec = &ExecutionContext{Execution: exec, Workflow: wf}
		}

		if rStepID.Valid {
			res := schema.StepResult{
				ExecutionID:      executionID,
				StepID:           rStepID.String,
				StartedAtEpochMs: rStartedAt.Int64,
			}
			res.CompletedAtEpochMs = intPtr(rCompletedAt)
			if rOutput.Valid {
				res.Output = json.RawMessage(rOutput.String)
			}
			res.Error = rError.String
			ec.StepResults = append(ec.StepResults, res)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutionNotFound, "execution not found: %s", executionID)
	}
	return ec, nil
}

// --- Signals ---

func (s *LibSQLStore) CreateSignal(ctx context.Context, sig *schema.Signal) error {
	if sig.CreatedAt == 0 {
		sig.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_signal (id, execution_id, signal_name, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sig.ID, sig.ExecutionID, sig.SignalName, nullRaw(sig.Payload), sig.CreatedAt)
	return err
}

func (s *LibSQLStore) ConsumeSignal(ctx context.Context, executionID, signalName string) (*schema.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM workflow_signal
		 WHERE id = (SELECT id FROM workflow_signal
		             WHERE execution_id = ? AND signal_name = ?
		             ORDER BY created_at, id LIMIT 1)
		 RETURNING id, execution_id, signal_name, payload, created_at`,
		executionID, signalName)

	sig := &schema.Signal{}
	var payload sql.NullString
	err := row.Scan(&sig.ID, &sig.ExecutionID, &sig.SignalName, &payload, &sig.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		sig.Payload = json.RawMessage(payload.String)
	}
	return sig, nil
}

// --- Scheduler support ---

func (s *LibSQLStore) ListDueExecutions(ctx context.Context, nowEpochMs int64, limit int) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM workflow_execution
		 WHERE status = ? AND start_at_epoch_ms <= ?
		 ORDER BY start_at_epoch_ms LIMIT ?`,
		string(schema.ExecutionStatusEnqueued), nowEpochMs, limitOrDefault(limit))
}

func (s *LibSQLStore) ListExpiredExecutions(ctx context.Context, nowEpochMs int64, limit int) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM workflow_execution
		 WHERE status = ? AND deadline_at_epoch_ms IS NOT NULL AND deadline_at_epoch_ms <= ?
		 ORDER BY deadline_at_epoch_ms LIMIT ?`,
		string(schema.ExecutionStatusRunning), nowEpochMs, limitOrDefault(limit))
}

func (s *LibSQLStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, trg *Trigger) error {
	if trg.CreatedAt == 0 {
		trg.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_trigger
		 (id, name, definition, cron_expression, enabled, created_by, last_run_at_epoch_ms, next_run_at_epoch_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trg.ID, trg.Name, string(trg.Definition), trg.CronExpression, boolInt(trg.Enabled),
		nullStr(trg.CreatedBy), nullI64(trg.LastRunAtEpochMs), nullI64(trg.NextRunAtEpochMs), trg.CreatedAt)
	return err
}

func (s *LibSQLStore) ListEnabledTriggers(ctx context.Context) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, definition, cron_expression, enabled, created_by, last_run_at_epoch_ms, next_run_at_epoch_ms, created_at
		 FROM workflow_trigger WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		trg := &Trigger{}
		var definition string
		var enabled int
		var createdBy sql.NullString
		var lastRun, nextRun sql.NullInt64
		if err := rows.Scan(&trg.ID, &trg.Name, &definition, &trg.CronExpression, &enabled,
			&createdBy, &lastRun, &nextRun, &trg.CreatedAt); err != nil {
			return nil, err
		}
		trg.Definition = json.RawMessage(definition)
		trg.Enabled = enabled != 0
		trg.CreatedBy = createdBy.String
		trg.LastRunAtEpochMs = intPtr(lastRun)
		trg.NextRunAtEpochMs = intPtr(nextRun)
		out = append(out, trg)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateTriggerRun(ctx context.Context, id string, lastRunEpochMs, nextRunEpochMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_trigger SET last_run_at_epoch_ms = ?, next_run_at_epoch_ms = ? WHERE id = ?`,
		lastRunEpochMs, nextRunEpochMs, id)
	return err
}

// --- Helpers ---

func marshalMapOrNull(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func nullI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

var _ Store = (*LibSQLStore)(nil)
