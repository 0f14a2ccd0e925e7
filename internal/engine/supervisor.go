package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/browserwf/internal/graph"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/obs"
	"github.com/basket/browserwf/internal/resolve"
	"github.com/basket/browserwf/internal/store"
)

// taskResult is what one TaskRunner reports back to the supervisor loop.
type taskResult struct {
	task      model.TaskSpec
	status    model.TaskRunStatus
	output    map[string]any
	err       error
}

// runExecution drives one execution's task graph from queued to a
// terminal status. It is the body Dispatch and Recover both run under
// the global semaphore.
func (e *Engine) runExecution(executionID string) {
	ctx := context.Background()
	execution, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		e.logger.Error("load execution failed", slog.String("execution_id", executionID), slog.Any("error", err))
		return
	}
	workflow, err := e.store.GetWorkflow(ctx, execution.WorkflowID)
	if err != nil {
		e.logger.Error("load workflow failed", slog.String("execution_id", executionID), slog.Any("error", err))
		return
	}
	def := workflow.Definition

	if err := graph.Validate(def); err != nil {
		e.finish(ctx, executionID, model.ExecutionFailed, nil, model.AsError(err))
		return
	}

	execCtx2, execSpan := obs.StartSpan(ctx, e.cfg.Obs.Tracer, "engine.run_execution",
		obs.AttrExecutionID.String(executionID), obs.AttrWorkflowID.String(execution.WorkflowID))
	ctx = execCtx2
	defer execSpan.End()

	e.cfg.Obs.Metrics.ActiveExecutions.Add(ctx, 1)
	execStart := time.Now()
	defer func() {
		e.cfg.Obs.Metrics.ActiveExecutions.Add(ctx, -1)
		e.cfg.Obs.Metrics.ExecutionDuration.Record(ctx, time.Since(execStart).Seconds())
	}()

	timeout := e.cfg.DefaultExecutionTimeout
	if workflow.TimeoutSeconds != nil {
		timeout = time.Duration(*workflow.TimeoutSeconds) * time.Second
	}
	parallelism := e.cfg.DefaultParallelismPerExec

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	e.mu.Lock()
	e.cancels[executionID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, executionID)
		e.mu.Unlock()
	}()

	if _, err := e.store.TransitionExecution(ctx, executionID,
		[]model.ExecutionStatus{model.ExecutionQueued}, model.ExecutionRunning,
		store.ExecutionFields{StartedAt: ptrTime(time.Now())},
	); err != nil {
		e.logger.Warn("execution_transition_failed", slog.String("execution_id", executionID), slog.Any("error", err))
	}
	e.publish(executionID, model.EventExecutionStarted, "", nil)

	s := &supervisorState{
		def:            def,
		taskByName:     make(map[string]model.TaskSpec, len(def.Tasks)),
		remainingPreds: make(map[string]int, len(def.Tasks)),
		dependents:     make(map[string][]string, len(def.Tasks)),
		status:         make(map[string]model.TaskRunStatus, len(def.Tasks)),
		outputs:        make(map[string]map[string]any, len(def.Tasks)),
	}
	for _, t := range def.Tasks {
		s.taskByName[t.Name] = t
		s.remainingPreds[t.Name] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], t.Name)
		}
	}

	// Seed from any TaskRuns already persisted for this execution so a
	// resumed execution (orphan_policy=resume after a crash) never restarts
	// work that already reached a terminal status.
	priorRuns, err := e.store.ListTaskRuns(ctx, executionID)
	if err != nil {
		e.logger.Error("load_task_runs_failed", slog.String("execution_id", executionID), slog.Any("error", err))
	}
	anyFailed := false
	for _, run := range priorRuns {
		switch run.Status {
		case model.TaskRunCompleted:
			s.status[run.TaskName] = run.Status
			s.setOutput(run.TaskName, run.Output)
			for _, dep := range s.dependents[run.TaskName] {
				s.remainingPreds[dep]--
			}
		case model.TaskRunFailed, model.TaskRunSkipped, model.TaskRunCancelled:
			s.status[run.TaskName] = run.Status
			if run.Status != model.TaskRunCancelled {
				anyFailed = true
			}
		}
	}

	ready := make([]string, 0, len(def.Tasks))
	for _, t := range def.Tasks {
		if s.status[t.Name] == "" && s.remainingPreds[t.Name] == 0 {
			ready = append(ready, t.Name)
		}
	}
	remaining := 0
	for _, t := range def.Tasks {
		if s.status[t.Name] == "" {
			remaining++
		}
	}

	inflight := 0
	inflightRuns := make(map[string]string, parallelism)
	results := make(chan taskResult)
	cancelling := false
	forceStopped := false
	var graceC <-chan time.Time

	startTask := func(name string) {
		task := s.taskByName[name]
		s.status[name] = model.TaskRunQueued
		e.publish(executionID, model.EventTaskQueued, name, nil)

		variables := execution.Inputs
		if variables == nil {
			variables = map[string]any{}
		}
		execCtx := resolve.Context{Variables: mergeVariables(def.Variables, variables), Outputs: s.snapshotOutputs()}

		taskRunID, err := e.store.CreateTaskRun(ctx, executionID, task.Name, task.AgentType, task.Action, nil, effectiveRetryLimit(task, workflow))
		if err != nil {
			e.logger.Error("create_task_run_failed", slog.String("execution_id", executionID), slog.String("task", task.Name), slog.Any("error", err))
			results <- taskResult{task: task, status: model.TaskRunFailed, err: err}
			return
		}

		inflight++
		inflightRuns[name] = taskRunID
		go func() {
			status, output, runErr := e.runner.Run(runCtx, executionID, task, taskRunID, execCtx)
			results <- taskResult{task: task, status: status, output: output, err: runErr}
		}()
	}

	dispatch := func() {
		for !cancelling && len(ready) > 0 && inflight < parallelism {
			name := ready[0]
			ready = ready[1:]
			startTask(name)
		}
	}

	dispatch()
	for remaining > 0 && (inflight > 0 || len(ready) > 0) {
		if forceStopped || (cancelling && inflight == 0) {
			break
		}
		if runCtx.Err() != nil && !cancelling {
			cancelling = true
		}

		select {
		case res := <-results:
			inflight--
			delete(inflightRuns, res.task.Name)
			remaining--
			s.status[res.task.Name] = res.status

			switch res.status {
			case model.TaskRunCompleted:
				s.setOutput(res.task.Name, res.output)
				for _, dep := range s.dependents[res.task.Name] {
					s.remainingPreds[dep]--
					if s.remainingPreds[dep] == 0 && s.status[dep] == "" {
						ready = append(ready, dep)
					}
				}
			case model.TaskRunCancelled:
				cancelling = true
			default: // failed or skipped
				anyFailed = true
				policy := effectiveOnError(res.task, def)
				if policy == model.OnErrorContinue {
					skipped := s.skipDependents(res.task.Name)
					remaining -= len(skipped)
					for _, name := range skipped {
						e.markSkipped(ctx, executionID, s.taskByName[name])
					}
				} else {
					skipped := s.skipAllPending(ready)
					ready = nil
					remaining -= len(skipped)
					for _, name := range skipped {
						e.markSkipped(ctx, executionID, s.taskByName[name])
					}
				}
			}
			if !cancelling {
				dispatch()
			}
		case <-runCtx.Done():
			if !cancelling {
				cancelling = true
				if _, err := e.store.TransitionExecution(ctx, executionID,
					[]model.ExecutionStatus{model.ExecutionRunning}, model.ExecutionCancelling,
					store.ExecutionFields{},
				); err != nil {
					e.logger.Warn("execution_cancelling_transition_failed", slog.String("execution_id", executionID), slog.Any("error", err))
				}
				graceTimer := time.NewTimer(e.cfg.CancellationGrace)
				defer graceTimer.Stop()
				graceC = graceTimer.C
			}
		case <-graceC:
			// Driver calls for the tasks still in flight ignored the context
			// cancellation; detach from them rather than wait forever.
			e.logger.Warn("cancellation_grace_exceeded", slog.String("execution_id", executionID), slog.Int("inflight", len(inflightRuns)))
			for name, taskRunID := range inflightRuns {
				if _, err := e.store.TransitionTaskRun(ctx, taskRunID,
					[]model.TaskRunStatus{model.TaskRunQueued, model.TaskRunRunning}, model.TaskRunCancelled,
					store.TaskRunFields{CompletedAt: ptrTime(time.Now())},
				); err != nil {
					e.logger.Warn("forced_cancel_transition_failed", slog.String("task_run_id", taskRunID), slog.Any("error", err))
				}
				s.status[name] = model.TaskRunCancelled
				e.publish(executionID, model.EventTaskCancelled, name, nil)
			}
			remaining -= len(inflightRuns)
			inflightRuns = map[string]string{}
			inflight = 0
			forceStopped = true
		}
	}

	finalStatus := model.ExecutionCompleted
	var finalErr *model.Error
	switch {
	case cancelling:
		finalStatus = model.ExecutionCancelled
	case anyFailed:
		finalStatus = model.ExecutionFailed
		finalErr = model.NewError(model.ErrTerminal, "one or more tasks failed")
		if runCtx.Err() != nil {
			finalErr = model.NewError(model.ErrExecutionTimeout, "execution exceeded its timeout")
		}
	}
	e.finish(ctx, executionID, finalStatus, s.snapshotOutputs(), finalErr)
}

func (e *Engine) finish(ctx context.Context, executionID string, status model.ExecutionStatus, output map[string]any, execErr *model.Error) {
	now := time.Now()
	_, err := e.store.TransitionExecution(context.Background(), executionID,
		[]model.ExecutionStatus{model.ExecutionQueued, model.ExecutionRunning, model.ExecutionCancelling},
		status,
		store.ExecutionFields{CompletedAt: ptrTime(now), Output: output, Error: execErr},
	)
	if err != nil {
		e.logger.Warn("execution_finish_transition_failed", slog.String("execution_id", executionID), slog.Any("error", err))
	}
	kind := model.EventExecutionCompleted
	switch status {
	case model.ExecutionFailed:
		kind = model.EventExecutionFailed
	case model.ExecutionCancelled:
		kind = model.EventExecutionCancelled
	}
	e.publish(executionID, kind, "", execErr)
}

// markSkipped persists a terminal skipped TaskRun for a task that never ran
// because an upstream failure tripped its on_error policy, then publishes
// the event. A skipped task is queryable via GetExecution's task list the
// same as any other terminal outcome.
func (e *Engine) markSkipped(ctx context.Context, executionID string, task model.TaskSpec) {
	taskRunID, err := e.store.CreateTaskRun(ctx, executionID, task.Name, task.AgentType, task.Action, nil, 0)
	if err != nil {
		e.logger.Error("create_task_run_failed", slog.String("execution_id", executionID), slog.String("task", task.Name), slog.Any("error", err))
	} else if _, err := e.store.TransitionTaskRun(ctx, taskRunID,
		[]model.TaskRunStatus{model.TaskRunQueued}, model.TaskRunSkipped,
		store.TaskRunFields{CompletedAt: ptrTime(time.Now())},
	); err != nil {
		e.logger.Warn("task_run_skip_transition_failed", slog.String("task_run_id", taskRunID), slog.Any("error", err))
	}
	e.publish(executionID, model.EventTaskSkipped, task.Name, nil)
}

func effectiveRetryLimit(task model.TaskSpec, wf model.Workflow) int {
	if task.RetryCount != nil {
		return *task.RetryCount
	}
	if wf.MaxRetriesDefault != nil {
		return *wf.MaxRetriesDefault
	}
	return 3
}

func effectiveOnError(task model.TaskSpec, def model.Definition) model.OnError {
	if task.OnError != nil {
		return *task.OnError
	}
	return def.EffectiveOnError()
}

func mergeVariables(defVars map[string]any, inputs map[string]any) map[string]any {
	merged := make(map[string]any, len(defVars)+len(inputs))
	for k, v := range defVars {
		merged[k] = v
	}
	for k, v := range inputs {
		merged[k] = v
	}
	return merged
}

// supervisorState tracks per-execution graph bookkeeping: dependency
// counts, dependents, per-task status, and completed task outputs.
type supervisorState struct {
	def            model.Definition
	taskByName     map[string]model.TaskSpec
	remainingPreds map[string]int
	dependents     map[string][]string
	status         map[string]model.TaskRunStatus

	mu      sync.Mutex
	outputs map[string]map[string]any
}

func (s *supervisorState) setOutput(name string, output map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[name] = output
}

func (s *supervisorState) snapshotOutputs() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

// skipDependents marks every transitive dependent of failedTask as
// skipped (on_error=continue): independent branches are left alone.
func (s *supervisorState) skipDependents(failedTask string) []string {
	var skipped []string
	queue := append([]string{}, s.dependents[failedTask]...)
	seen := map[string]bool{}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] || s.status[name] != "" {
			continue
		}
		seen[name] = true
		s.status[name] = model.TaskRunSkipped
		skipped = append(skipped, name)
		queue = append(queue, s.dependents[name]...)
	}
	return skipped
}

// skipAllPending marks every task that hasn't started as skipped
// (on_error=stop): the whole remaining graph is abandoned.
func (s *supervisorState) skipAllPending(ready []string) []string {
	var skipped []string
	for _, t := range s.def.Tasks {
		if s.status[t.Name] == "" {
			s.status[t.Name] = model.TaskRunSkipped
			skipped = append(skipped, t.Name)
		}
	}
	return skipped
}
