// Package engine implements the ExecutionEngine (C6): drives one
// execution's task graph to a terminal state under two concurrency
// axes — a global semaphore bounding how many executions run at once,
// and a per-execution semaphore bounding how many of its TaskRunners
// run concurrently.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/browserwf/internal/bus"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/obs"
	"github.com/basket/browserwf/internal/store"
	"github.com/basket/browserwf/internal/taskrunner"
)

// OrphanPolicy controls what Recover does with executions found in a
// non-terminal state at startup.
type OrphanPolicy string

const (
	OrphanPolicyFail   OrphanPolicy = "fail"
	OrphanPolicyResume OrphanPolicy = "resume"
)

// Config controls the engine's concurrency budget and defaults.
type Config struct {
	GlobalParallelism         int
	DefaultParallelismPerExec int
	DefaultExecutionTimeout   time.Duration
	CancellationGrace         time.Duration
	OrphanPolicy              OrphanPolicy
	Obs                       *obs.Provider
}

func (c Config) withDefaults() Config {
	if c.GlobalParallelism <= 0 {
		c.GlobalParallelism = 16
	}
	if c.DefaultParallelismPerExec <= 0 {
		c.DefaultParallelismPerExec = 1
	}
	if c.DefaultExecutionTimeout <= 0 {
		c.DefaultExecutionTimeout = 30 * time.Minute
	}
	if c.CancellationGrace <= 0 {
		c.CancellationGrace = 5 * time.Second
	}
	if c.OrphanPolicy == "" {
		c.OrphanPolicy = OrphanPolicyFail
	}
	return c
}

// Engine dispatches workflow executions against their task graphs.
type Engine struct {
	store  store.Store
	bus    *bus.Bus
	runner *taskrunner.Runner
	cfg    Config
	logger *slog.Logger

	globalSem chan struct{}

	// mu guards cancels; a leaf lock, never held across a Store call or
	// while waiting on a TaskRunner.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New returns an Engine. runner is typically taskrunner.New wired to the
// same Store/Bus/Registry this Engine is given.
func New(s store.Store, b *bus.Bus, runner *taskrunner.Runner, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Obs == nil {
		cfg.Obs = obs.NoOp()
	}
	return &Engine{
		store:     s,
		bus:       b,
		runner:    runner,
		cfg:       cfg,
		logger:    logger,
		globalSem: make(chan struct{}, cfg.GlobalParallelism),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Recover enumerates executions left in running or cancelling at
// startup and applies the configured OrphanPolicy. An orphaned
// execution never silently restarts tasks already persisted as
// completed: the default policy marks it terminal instead of resuming.
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.store.ExecutionsInStatus(ctx, model.ExecutionRunning, model.ExecutionCancelling)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if e.cfg.OrphanPolicy == OrphanPolicyResume {
			e.logger.Warn("resuming orphaned execution", slog.String("execution_id", id))
			e.Dispatch(id)
			continue
		}
		e.logger.Warn("marking orphaned execution failed", slog.String("execution_id", id))
		orphanErr := model.NewError(model.ErrOrphaned, "execution was running or cancelling when the service restarted")
		_, transErr := e.store.TransitionExecution(ctx, id,
			[]model.ExecutionStatus{model.ExecutionRunning, model.ExecutionCancelling},
			model.ExecutionFailed,
			store.ExecutionFields{CompletedAt: ptrTime(time.Now()), Error: orphanErr},
		)
		if transErr != nil {
			e.logger.Warn("failed to transition orphaned execution", slog.String("execution_id", id), slog.Any("error", transErr))
		}
		e.publish(id, model.EventExecutionFailed, "", orphanErr)
	}
	return nil
}

// Dispatch enqueues an already-created, queued execution for the engine
// to run. It blocks the caller only until a global concurrency slot is
// free, then returns; the execution itself runs in the background.
func (e *Engine) Dispatch(executionID string) {
	e.globalSem <- struct{}{}
	go func() {
		defer func() { <-e.globalSem }()
		e.runExecution(executionID)
	}()
}

// CancelExecution requests cancellation of a queued or running
// execution. It returns ErrTerminal if the execution has already
// reached a terminal state.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, inFlight := e.cancels[executionID]
	e.mu.Unlock()

	if inFlight {
		cancel()
		return nil
	}

	ok, err := e.store.TransitionExecution(ctx, executionID,
		[]model.ExecutionStatus{model.ExecutionQueued}, model.ExecutionCancelled,
		store.ExecutionFields{CompletedAt: ptrTime(time.Now())},
	)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewError(model.ErrTerminal, "execution %s is already terminal", executionID)
	}
	e.publish(executionID, model.EventExecutionCancelled, "", nil)
	return nil
}

func (e *Engine) publish(executionID string, kind model.ExecutionEventKind, taskName string, err *model.Error) {
	event := model.ExecutionEvent{ExecutionID: executionID, Ts: time.Now(), Kind: kind, TaskName: taskName, Error: err}
	if seq, appendErr := e.store.AppendEvent(context.Background(), event); appendErr == nil {
		event.Seq = seq
	} else {
		e.logger.Warn("append_event_failed", slog.String("execution_id", executionID), slog.Any("error", appendErr))
	}
	e.bus.Publish(executionID, event)
}

func ptrTime(t time.Time) *time.Time { return &t }
