// Package trigger implements the reference Trigger (A4): a standalone
// periodic process that polls its own Schedule records and calls
// Scheduler.ExecuteWorkflow on a cron cadence. It holds no engine-side
// state and is not a dependency of the ExecutionEngine — a Trigger is
// just another caller of the Scheduler/API surface.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/scheduler"
	"github.com/basket/browserwf/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the Trigger.
type Config struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
	Interval  time.Duration // poll interval; defaults to 1 minute if zero
}

// Trigger periodically queries the store for due schedules and submits an
// ExecuteWorkflow call for each one.
type Trigger struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Trigger bound to cfg.
func New(cfg Config) *Trigger {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the poll loop in a background goroutine. It respects ctx
// for shutdown.
func (t *Trigger) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.loop(ctx)
	t.logger.Info("trigger started", "interval", t.interval)
}

// Stop cancels the poll loop and waits for it to exit.
func (t *Trigger) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("trigger stopped")
}

func (t *Trigger) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	t.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Trigger) tick(ctx context.Context) {
	now := time.Now()
	due, err := t.store.DueSchedules(ctx, now)
	if err != nil {
		t.logger.Error("trigger: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		t.fire(ctx, sched, now)
	}
}

// fire calls ExecuteWorkflow for sched's workflow, the same entrypoint any
// other external caller uses, then advances the schedule's run timestamps.
func (t *Trigger) fire(ctx context.Context, sched model.Schedule, now time.Time) {
	executionID, err := t.scheduler.ExecuteWorkflow(ctx, sched.WorkflowID, sched.Inputs, "schedule")
	if err != nil {
		t.logger.Error("trigger: failed to execute scheduled workflow",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"workflow_id", sched.WorkflowID,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		t.logger.Error("trigger: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := t.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		t.logger.Error("trigger: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	t.logger.Info("trigger: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"execution_id", executionID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses a cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
