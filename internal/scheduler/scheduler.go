// Package scheduler drives time-based work: waking due executions,
// failing executions past their deadline, and firing cron triggers.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mcpstudio/engine/internal/engine"
	"github.com/mcpstudio/engine/internal/store"
	"github.com/mcpstudio/engine/pkg/schema"
)

const (
	defaultTickInterval = 5 * time.Second
	sweepBatchSize      = 100
	tickConcurrency     = 8
)

// Scheduler polls the store on a ticker. Polling is idempotent by
// construction: waking an already-claimed execution is a no-op, and
// deadline sweeps use conditional updates.
type Scheduler struct {
	store   store.Store
	service *engine.Service
	parser  cron.Parser
	logger  *slog.Logger
	tick    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(st store.Store, service *engine.Service, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = defaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		service: service,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:  logger,
		tick:    tick,
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "tick", s.tick.String())
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Exported so tests and recovery paths can
// drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.wakeDue(ctx)
	s.sweepDeadlines(ctx)
	s.fireTriggers(ctx)
}

// wakeDue publishes created events for enqueued executions whose start
// time has passed. This is also the crash recovery path: an execution
// parked or orphaned in enqueued gets re-observed here.
func (s *Scheduler) wakeDue(ctx context.Context) {
	ids, err := s.store.ListDueExecutions(ctx, time.Now().UnixMilli(), sweepBatchSize)
	if err != nil {
		s.logger.Error("list due executions", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(tickConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.service.Wake(ctx, id); err != nil {
				s.logger.Error("wake execution", "executionId", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sweepDeadlines fails running executions past their deadline.
func (s *Scheduler) sweepDeadlines(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := s.store.ListExpiredExecutions(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("list expired executions", "error", err)
		return
	}
	running := schema.ExecutionStatusRunning
	failed := schema.ExecutionStatusError
	msg := "execution deadline exceeded"
	for _, id := range ids {
		updated, err := s.store.UpdateExecution(ctx, id, store.ExecutionPatch{
			Status:             &failed,
			Error:              &msg,
			CompletedAtEpochMs: &now,
		}, &running)
		if err != nil {
			s.logger.Error("expire execution", "executionId", id, "error", err)
			continue
		}
		if updated != nil {
			s.logger.Warn("execution expired", "executionId", id)
		}
	}
}

// fireTriggers starts executions for enabled cron triggers whose next run
// time has passed, then advances their schedule.
func (s *Scheduler) fireTriggers(ctx context.Context) {
	triggers, err := s.store.ListEnabledTriggers(ctx)
	if err != nil {
		s.logger.Error("list triggers", "error", err)
		return
	}

	now := time.Now()
	nowMs := now.UnixMilli()
	var g errgroup.Group
	g.SetLimit(tickConcurrency)
	for _, trg := range triggers {
		if trg.NextRunAtEpochMs != nil && *trg.NextRunAtEpochMs > nowMs {
			continue
		}
		trg := trg
		g.Go(func() error {
			if err := s.fireTrigger(ctx, trg, now); err != nil {
				s.logger.Error("fire trigger", "triggerId", trg.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) fireTrigger(ctx context.Context, trg *store.Trigger, now time.Time) error {
	next, err := s.NextRun(trg.CronExpression, now)
	if err != nil {
		return fmt.Errorf("trigger %q cron: %w", trg.ID, err)
	}
	// Advance the schedule first so a failing template does not refire
	// every tick.
	if err := s.store.UpdateTriggerRun(ctx, trg.ID, now.UnixMilli(), next.UnixMilli()); err != nil {
		return fmt.Errorf("advance trigger %q: %w", trg.ID, err)
	}

	var wf schema.Workflow
	if err := json.Unmarshal(trg.Definition, &wf); err != nil {
		return fmt.Errorf("trigger %q definition: %w", trg.ID, err)
	}

	exec, err := s.service.Execute(ctx, &wf, wf.Input, engine.ExecuteOptions{CreatedBy: "trigger:" + trg.ID})
	if err != nil {
		return fmt.Errorf("trigger %q execute: %w", trg.ID, err)
	}
	s.logger.Info("trigger fired", "triggerId", trg.ID, "executionId", exec.ID)
	return nil
}

// NextRun computes the next firing time after now for a cron expression.
func (s *Scheduler) NextRun(expr string, now time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
