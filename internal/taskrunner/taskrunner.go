// Package taskrunner implements the TaskRunner (C5): runs exactly one
// TaskRun to a terminal state, resolving its parameters, attempting it
// against a capability handler with retry/backoff, and recording every
// transition through the Store and EventBus.
package taskrunner

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/browserwf/internal/bus"
	"github.com/basket/browserwf/internal/capreg"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/obs"
	"github.com/basket/browserwf/internal/resolve"
	"github.com/basket/browserwf/internal/store"
)

const (
	defaultRetryLimit = 3
	defaultTimeout    = 30 * time.Second
	retryBaseDelay    = 1 * time.Second
	retryMaxDelay     = 30 * time.Second
)

// Deps bundles the collaborators a Runner needs; one Runner instance is
// reused across every task attempt in the process.
type Deps struct {
	Store    store.Store
	Bus      *bus.Bus
	Registry *capreg.Registry
	Logger   *slog.Logger
	Obs      *obs.Provider
}

// Runner runs one TaskRun to completion.
type Runner struct {
	deps Deps
}

// New returns a Runner bound to deps.
func New(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Obs == nil {
		deps.Obs = obs.NoOp()
	}
	return &Runner{deps: deps}
}

// Run executes task to a terminal TaskRun status, returning the final
// status and, on success, the task's resolved output. ctx carries the
// execution's cancellation signal; Run checks it before every attempt
// and before committing success.
func (r *Runner) Run(ctx context.Context, executionID string, task model.TaskSpec, taskRunID string, execCtx resolve.Context) (model.TaskRunStatus, map[string]any, error) {
	taskAttrs := []attribute.KeyValue{
		obs.AttrExecutionID.String(executionID),
		obs.AttrTaskName.String(task.Name),
		obs.AttrAgentType.String(task.AgentType),
		obs.AttrAction.String(task.Action),
	}
	ctx, span := obs.StartSpan(ctx, r.deps.Obs.Tracer, "taskrunner.run", taskAttrs...)
	defer span.End()

	start := now()
	defer func() {
		r.deps.Obs.Metrics.TaskDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(obs.AttrAgentType.String(task.AgentType), obs.AttrAction.String(task.Action)))
	}()

	params, err := resolve.Parameters(task.Parameters, execCtx)
	if err != nil {
		r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunFailed, nil, model.AsError(err), 1)
		return model.TaskRunFailed, nil, err
	}

	retryLimit := defaultRetryLimit
	if task.RetryCount != nil {
		retryLimit = *task.RetryCount
	}
	timeout := defaultTimeout
	if task.TimeoutSeconds != nil {
		timeout = time.Duration(*task.TimeoutSeconds) * time.Second
	}

	handler, err := r.deps.Registry.Lookup(task.AgentType, task.Action)
	if err != nil {
		r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunFailed, nil, model.AsError(err), 1)
		return model.TaskRunFailed, nil, err
	}

	if _, err := r.deps.Store.TransitionTaskRun(ctx, taskRunID,
		[]model.TaskRunStatus{model.TaskRunQueued}, model.TaskRunRunning,
		store.TaskRunFields{StartedAt: ptrTime(now())},
	); err != nil {
		r.deps.Logger.Warn("task_run_transition_failed", slog.String("task_run_id", taskRunID), slog.Any("error", err))
	}
	r.publish(executionID, model.EventTaskStarted, task.Name, 0, nil)

	var lastErr *model.Error
	for attempt := 1; attempt <= retryLimit+1; attempt++ {
		if ctx.Err() != nil {
			r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunCancelled, nil, model.NewError(model.ErrCancelled, "execution cancelled"), attempt)
			return model.TaskRunCancelled, nil, ctx.Err()
		}

		deadline := time.Now().Add(timeout)
		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		attemptCtx, attemptSpan := obs.StartClientSpan(attemptCtx, r.deps.Obs.Tracer, "capability.handle",
			append(taskAttrs, obs.AttrAttempt.Int(attempt))...)
		output, err := handler.Handle(attemptCtx, params)
		if err != nil {
			attemptSpan.RecordError(err)
		}
		attemptSpan.End()
		cancel()

		if err == nil {
			if ctx.Err() != nil {
				r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunCancelled, nil, model.NewError(model.ErrCancelled, "execution cancelled"), attempt)
				return model.TaskRunCancelled, nil, ctx.Err()
			}
			r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunCompleted, output, nil, attempt)
			r.publish(executionID, model.EventTaskSucceeded, task.Name, attempt, nil)
			return model.TaskRunCompleted, output, nil
		}

		merr := model.AsError(err)
		lastErr = merr

		if merr.Kind == model.ErrCancelled || ctx.Err() != nil {
			r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunCancelled, nil, merr, attempt)
			return model.TaskRunCancelled, nil, err
		}

		if !merr.IsRetryable() || attempt > retryLimit {
			r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunFailed, nil, merr, attempt)
			r.publish(executionID, model.EventTaskFailed, task.Name, attempt, merr)
			return model.TaskRunFailed, nil, err
		}

		r.publish(executionID, model.EventTaskRetrying, task.Name, attempt, merr)
		r.deps.Obs.Metrics.TaskRetries.Add(ctx, 1, metric.WithAttributes(obs.AttrAgentType.String(task.AgentType), obs.AttrAction.String(task.Action)))
		delay := retryDelay(taskRunID, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunCancelled, nil, model.NewError(model.ErrCancelled, "execution cancelled"), attempt)
			return model.TaskRunCancelled, nil, ctx.Err()
		}
	}

	r.terminal(ctx, executionID, taskRunID, task.Name, model.TaskRunFailed, nil, lastErr, retryLimit+1)
	r.publish(executionID, model.EventTaskFailed, task.Name, retryLimit+1, lastErr)
	return model.TaskRunFailed, nil, lastErr
}

// terminal transitions the TaskRun to its final status. Store writes use
// context.Background() when ctx is already cancelled, so the record of
// how a task ended is never lost to the same cancellation that produced it.
func (r *Runner) terminal(ctx context.Context, executionID, taskRunID, taskName string, status model.TaskRunStatus, output map[string]any, taskErr *model.Error, attempt int) {
	writeCtx := ctx
	if ctx.Err() != nil {
		writeCtx = context.Background()
	}
	fields := store.TaskRunFields{
		CompletedAt: ptrTime(now()),
		Attempt:     &attempt,
		Output:      output,
		Error:       taskErr,
	}
	_, err := r.deps.Store.TransitionTaskRun(writeCtx, taskRunID,
		[]model.TaskRunStatus{model.TaskRunQueued, model.TaskRunRunning}, status, fields)
	if err != nil {
		r.deps.Logger.Warn("task_run_terminal_transition_failed",
			slog.String("task_run_id", taskRunID), slog.String("status", string(status)), slog.Any("error", err))
	}
}

func (r *Runner) publish(executionID string, kind model.ExecutionEventKind, taskName string, attempt int, taskErr *model.Error) {
	event := model.ExecutionEvent{ExecutionID: executionID, Ts: now(), Kind: kind, TaskName: taskName, Attempt: attempt, Error: taskErr}
	if seq, err := r.deps.Store.AppendEvent(context.Background(), event); err == nil {
		event.Seq = seq
	} else {
		r.deps.Logger.Warn("append_event_failed", slog.String("execution_id", executionID), slog.String("kind", string(kind)), slog.Any("error", err))
	}
	r.deps.Bus.Publish(executionID, event)
}

// retryDelay computes exponential backoff with deterministic jitter
// derived from taskRunID/attempt, so a replayed failure sequence backs
// off identically instead of depending on global PRNG state.
func retryDelay(taskRunID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterMax := base
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	sum := sha256.Sum256([]byte(taskRunID + ":" + strconv.Itoa(attempt)))
	jitterSource := binary.BigEndian.Uint64(sum[:8])
	jitter := time.Duration(jitterSource % uint64(jitterMax))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func ptrTime(t time.Time) *time.Time { return &t }

// now is overridable in tests that need deterministic timestamps; it is
// not itself used for retry-delay computation, which is jitter-seeded
// from the task run id instead of wall-clock time.
var now = time.Now
