package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/browserwf/internal/bus"
	"github.com/basket/browserwf/internal/capreg"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/store"
	"github.com/basket/browserwf/internal/taskrunner"
)

func newTestEngine(t *testing.T, cfg Config, registerActions func(*capreg.Registry)) (*Engine, store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "browserwf.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := capreg.New()
	if registerActions != nil {
		registerActions(reg)
	}
	b := bus.New()
	runner := taskrunner.New(taskrunner.Deps{Store: s, Bus: b, Registry: reg})
	e := New(s, b, runner, cfg, nil)
	return e, s, b
}

func waitTerminal(t *testing.T, s store.Store, executionID string, timeout time.Duration) model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, err := s.GetExecution(context.Background(), executionID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if exec.Status.IsTerminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal status within %s", executionID, timeout)
	return model.Execution{}
}

func createWorkflowExecution(t *testing.T, s store.Store, def model.Definition) string {
	t.Helper()
	wfID, err := s.CreateWorkflow(context.Background(), model.Workflow{
		Name:       "wf",
		Owner:      "owner-1",
		Definition: def,
		Status:     model.WorkflowActive,
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	execID, err := s.CreateExecution(context.Background(), wfID, nil, "manual")
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return execID
}

func TestRunExecution_LinearWorkflowCompletes(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"url": params["url"]}, nil
		}))
		reg.Register("browser", "get_text", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"text": "hello"}, nil
		}))
	})

	def := model.Definition{
		Tasks: []model.TaskSpec{
			{Name: "nav", AgentType: "browser", Action: "navigate", Parameters: map[string]any{"url": "https://example.com"}},
			{Name: "read", AgentType: "browser", Action: "get_text", DependsOn: []string{"nav"}},
		},
	}
	execID := createWorkflowExecution(t, s, def)

	e.Dispatch(execID)
	exec := waitTerminal(t, s, execID, 5*time.Second)
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("expected completed, got %v (err=%v)", exec.Status, exec.Error)
	}

	runs, err := s.ListTaskRuns(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 task runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.Status != model.TaskRunCompleted {
			t.Fatalf("task %s expected completed, got %v", r.TaskName, r.Status)
		}
	}
}

func TestRunExecution_OnErrorStopSkipsRemaining(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, model.NewError(model.ErrSelectorTimeout, "selector never appeared")
		}))
		reg.Register("browser", "screenshot", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}))
	})

	retryLimit := 0
	def := model.Definition{
		OnError: model.OnErrorStop,
		Tasks: []model.TaskSpec{
			{Name: "nav", AgentType: "browser", Action: "navigate", RetryCount: &retryLimit},
			{Name: "shot", AgentType: "browser", Action: "screenshot", DependsOn: []string{"nav"}},
		},
	}
	execID := createWorkflowExecution(t, s, def)

	e.Dispatch(execID)
	exec := waitTerminal(t, s, execID, 5*time.Second)
	if exec.Status != model.ExecutionFailed {
		t.Fatalf("expected failed, got %v", exec.Status)
	}

	runs, err := s.ListTaskRuns(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	found := map[string]model.TaskRunStatus{}
	for _, r := range runs {
		found[r.TaskName] = r.Status
	}
	if found["nav"] != model.TaskRunFailed {
		t.Fatalf("expected nav failed, got %v", found["nav"])
	}
	if found["shot"] != model.TaskRunSkipped {
		t.Fatalf("expected shot to be persisted as skipped once nav failed under on_error=stop, got %v", found["shot"])
	}
}

func TestRunExecution_OnErrorContinueSkipsOnlyDependents(t *testing.T) {
	independentRan := false
	e, s, _ := newTestEngine(t, Config{}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, model.NewError(model.ErrSelectorTimeout, "selector never appeared")
		}))
		reg.Register("browser", "get_text", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"text": "dependent"}, nil
		}))
		reg.Register("browser", "screenshot", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			independentRan = true
			return map[string]any{"ok": true}, nil
		}))
	})

	retryLimit := 0
	def := model.Definition{
		OnError: model.OnErrorContinue,
		Tasks: []model.TaskSpec{
			{Name: "nav", AgentType: "browser", Action: "navigate", RetryCount: &retryLimit},
			{Name: "read", AgentType: "browser", Action: "get_text", DependsOn: []string{"nav"}},
			{Name: "shot", AgentType: "browser", Action: "screenshot"},
		},
	}
	execID := createWorkflowExecution(t, s, def)

	e.Dispatch(execID)
	exec := waitTerminal(t, s, execID, 5*time.Second)
	if exec.Status != model.ExecutionFailed {
		t.Fatalf("expected failed (a task failed even though the graph continued), got %v", exec.Status)
	}
	if !independentRan {
		t.Fatal("independent branch should have run to completion under on_error=continue")
	}

	runs, err := s.ListTaskRuns(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	found := map[string]model.TaskRunStatus{}
	for _, r := range runs {
		found[r.TaskName] = r.Status
	}
	if found["nav"] != model.TaskRunFailed {
		t.Fatalf("expected nav failed, got %v", found["nav"])
	}
	if found["shot"] != model.TaskRunCompleted {
		t.Fatalf("expected independent shot task to complete, got %v", found["shot"])
	}
	if found["read"] != model.TaskRunSkipped {
		t.Fatalf("read depends on the failed nav task and should be persisted as skipped, got %v", found["read"])
	}
}

func TestRunExecution_Timeout(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{DefaultExecutionTimeout: 100 * time.Millisecond}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, model.NewError(model.ErrCancelled, "deadline exceeded")
		}))
	})

	def := model.Definition{
		Tasks: []model.TaskSpec{
			{Name: "nav", AgentType: "browser", Action: "navigate"},
		},
	}
	execID := createWorkflowExecution(t, s, def)

	e.Dispatch(execID)
	exec := waitTerminal(t, s, execID, 5*time.Second)
	if exec.Status != model.ExecutionCancelled {
		t.Fatalf("expected cancelled after execution timeout, got %v", exec.Status)
	}
}

func TestRunExecution_CancelExecutionStopsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	e, s, _ := newTestEngine(t, Config{}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, model.NewError(model.ErrCancelled, "cancelled")
		}))
	})

	def := model.Definition{
		Tasks: []model.TaskSpec{
			{Name: "nav", AgentType: "browser", Action: "navigate"},
		},
	}
	execID := createWorkflowExecution(t, s, def)

	e.Dispatch(execID)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	if err := e.CancelExecution(context.Background(), execID); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}

	exec := waitTerminal(t, s, execID, 5*time.Second)
	if exec.Status != model.ExecutionCancelled {
		t.Fatalf("expected cancelled, got %v", exec.Status)
	}
}

func TestCancelExecution_AlreadyTerminalReturnsErrTerminal(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}))
	})

	def := model.Definition{Tasks: []model.TaskSpec{{Name: "nav", AgentType: "browser", Action: "navigate"}}}
	execID := createWorkflowExecution(t, s, def)

	e.Dispatch(execID)
	waitTerminal(t, s, execID, 5*time.Second)

	err := e.CancelExecution(context.Background(), execID)
	if err == nil {
		t.Fatal("expected an error cancelling an already-terminal execution")
	}
	if model.AsError(err).Kind != model.ErrTerminal {
		t.Fatalf("expected ErrTerminal, got %v", model.AsError(err).Kind)
	}
}

func TestRecover_FailPolicyMarksOrphanedExecutionsFailed(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{OrphanPolicy: OrphanPolicyFail}, nil)

	def := model.Definition{Tasks: []model.TaskSpec{{Name: "nav", AgentType: "browser", Action: "navigate"}}}
	execID := createWorkflowExecution(t, s, def)
	if _, err := s.TransitionExecution(context.Background(), execID,
		[]model.ExecutionStatus{model.ExecutionQueued}, model.ExecutionRunning, store.ExecutionFields{}); err != nil {
		t.Fatalf("seed running transition: %v", err)
	}

	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	exec, err := s.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != model.ExecutionFailed {
		t.Fatalf("expected orphaned execution marked failed, got %v", exec.Status)
	}
	if exec.Error == nil || exec.Error.Kind != model.ErrOrphaned {
		t.Fatalf("expected ErrOrphaned, got %+v", exec.Error)
	}
}

func TestRecover_ResumePolicyRedispatches(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{OrphanPolicy: OrphanPolicyResume}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}))
	})

	def := model.Definition{Tasks: []model.TaskSpec{{Name: "nav", AgentType: "browser", Action: "navigate"}}}
	execID := createWorkflowExecution(t, s, def)
	if _, err := s.TransitionExecution(context.Background(), execID,
		[]model.ExecutionStatus{model.ExecutionQueued}, model.ExecutionRunning, store.ExecutionFields{}); err != nil {
		t.Fatalf("seed running transition: %v", err)
	}

	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	exec := waitTerminal(t, s, execID, 5*time.Second)
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("expected resumed execution to complete, got %v", exec.Status)
	}
}

func TestRecover_ResumeDoesNotRerunCompletedTasks(t *testing.T) {
	var navCalls int
	e, s, _ := newTestEngine(t, Config{OrphanPolicy: OrphanPolicyResume}, func(reg *capreg.Registry) {
		reg.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			navCalls++
			return map[string]any{"url": params["url"]}, nil
		}))
		reg.Register("browser", "get_text", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"text": "hello"}, nil
		}))
	})

	def := model.Definition{Tasks: []model.TaskSpec{
		{Name: "nav", AgentType: "browser", Action: "navigate"},
		{Name: "read", AgentType: "browser", Action: "get_text", DependsOn: []string{"nav"}},
	}}
	execID := createWorkflowExecution(t, s, def)
	if _, err := s.TransitionExecution(context.Background(), execID,
		[]model.ExecutionStatus{model.ExecutionQueued}, model.ExecutionRunning, store.ExecutionFields{}); err != nil {
		t.Fatalf("seed running transition: %v", err)
	}

	// Simulate a crash after "nav" already completed but before "read" ran.
	taskRunID, err := s.CreateTaskRun(context.Background(), execID, "nav", "browser", "navigate", nil, 3)
	if err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	if _, err := s.TransitionTaskRun(context.Background(), taskRunID,
		[]model.TaskRunStatus{model.TaskRunQueued}, model.TaskRunCompleted,
		store.TaskRunFields{Output: map[string]any{"url": "https://example.com"}},
	); err != nil {
		t.Fatalf("seed completed task run: %v", err)
	}

	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	exec := waitTerminal(t, s, execID, 5*time.Second)
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("expected resumed execution to complete, got %v", exec.Status)
	}
	if navCalls != 0 {
		t.Fatalf("expected nav to not be re-run after resume, but its handler ran %d times", navCalls)
	}

	runs, err := s.ListTaskRuns(context.Background(), execID)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	found := map[string]model.TaskRunStatus{}
	for _, r := range runs {
		found[r.TaskName] = r.Status
	}
	if found["nav"] != model.TaskRunCompleted {
		t.Fatalf("expected nav task run to remain completed, got %v", found["nav"])
	}
	if found["read"] != model.TaskRunCompleted {
		t.Fatalf("expected read to have run to completion, got %v", found["read"])
	}
}
