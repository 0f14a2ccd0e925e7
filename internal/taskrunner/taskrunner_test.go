package taskrunner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/browserwf/internal/bus"
	"github.com/basket/browserwf/internal/capreg"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/resolve"
	"github.com/basket/browserwf/internal/store"
)

func newTestDeps(t *testing.T) (Deps, store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "browserwf.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return Deps{Store: s, Bus: bus.New(), Registry: capreg.New()}, s
}

func newTaskRun(t *testing.T, s store.Store, executionID, taskName, agentType, action string, retryLimit int) string {
	t.Helper()
	id, err := s.CreateTaskRun(context.Background(), executionID, taskName, agentType, action, nil, retryLimit)
	if err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}
	return id
}

func newExecution(t *testing.T, s store.Store) string {
	t.Helper()
	wfID, err := s.CreateWorkflow(context.Background(), model.Workflow{
		Name:  "wf",
		Owner: "owner-1",
		Definition: model.Definition{
			Tasks: []model.TaskSpec{{Name: "nav", AgentType: "browser", Action: "navigate"}},
		},
		Status: model.WorkflowActive,
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

func TestRun_SuccessOnFirstAttempt(t *testing.T) {
	deps, s := newTestDeps(t)
	deps.Registry.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"url": params["url"]}, nil
	}))
	r := New(deps)

	execID := newExecution(t, s)
	taskRunID := newTaskRun(t, s, execID, "nav", "browser", "navigate", 3)

	task := model.TaskSpec{Name: "nav", AgentType: "browser", Action: "navigate", Parameters: map[string]any{"url": "https://example.com"}}
	status, output, err := r.Run(context.Background(), execID, task, taskRunID, resolve.Context{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.TaskRunCompleted {
		t.Fatalf("expected completed, got %v", status)
	}
	if output["url"] != "https://example.com" {
		t.Fatalf("unexpected output: %+v", output)
	}

	run, err := s.GetTaskRun(context.Background(), taskRunID)
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if run.Status != model.TaskRunCompleted {
		t.Fatalf("expected persisted status completed, got %v", run.Status)
	}
}

func TestRun_UnresolvedReferenceFailsWithoutRetry(t *testing.T) {
	deps, s := newTestDeps(t)
	calls := 0
	deps.Registry.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{}, nil
	}))
	r := New(deps)

	execID := newExecution(t, s)
	taskRunID := newTaskRun(t, s, execID, "nav", "browser", "navigate", 3)

	task := model.TaskSpec{Name: "nav", AgentType: "browser", Action: "navigate", Parameters: map[string]any{"url": "${variables.missing}"}}
	status, _, err := r.Run(context.Background(), execID, task, taskRunID, resolve.Context{})
	if err == nil {
		t.Fatal("expected an unresolved reference error")
	}
	if status != model.TaskRunFailed {
		t.Fatalf("expected failed, got %v", status)
	}
	if model.AsError(err).Kind != model.ErrUnresolvedReference {
		t.Fatalf("expected ErrUnresolvedReference, got %v", model.AsError(err).Kind)
	}
	if calls != 0 {
		t.Fatalf("handler should never be invoked when parameter resolution fails, got %d calls", calls)
	}
}

func TestRun_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	deps, s := newTestDeps(t)
	attempts := 0
	deps.Registry.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, model.NewError(model.ErrDriverCrashed, "transient failure")
		}
		return map[string]any{"ok": true}, nil
	}))
	r := New(deps)

	execID := newExecution(t, s)
	taskRunID := newTaskRun(t, s, execID, "nav", "browser", "navigate", 3)

	task := model.TaskSpec{Name: "nav", AgentType: "browser", Action: "navigate"}
	start := time.Now()
	status, _, err := r.Run(context.Background(), execID, task, taskRunID, resolve.Context{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.TaskRunCompleted {
		t.Fatalf("expected eventual success, got %v", status)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if time.Since(start) < time.Second {
		t.Fatal("expected backoff delay between attempts")
	}
}

func TestRun_ExhaustsRetriesAndFails(t *testing.T) {
	deps, s := newTestDeps(t)
	deps.Registry.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, model.NewError(model.ErrSelectorTimeout, "selector never appeared")
	}))
	r := New(deps)

	execID := newExecution(t, s)
	taskRunID := newTaskRun(t, s, execID, "nav", "browser", "navigate", 1)

	task := model.TaskSpec{Name: "nav", AgentType: "browser", Action: "navigate"}
	status, _, err := r.Run(context.Background(), execID, task, taskRunID, resolve.Context{})
	if status != model.TaskRunFailed {
		t.Fatalf("expected failed after exhausting retries, got %v", status)
	}
	if model.AsError(err).Kind != model.ErrSelectorTimeout {
		t.Fatalf("expected ErrSelectorTimeout, got %v", model.AsError(err).Kind)
	}
}

func TestRun_UnregisteredCapabilityFailsImmediately(t *testing.T) {
	deps, s := newTestDeps(t)
	r := New(deps)

	execID := newExecution(t, s)
	taskRunID := newTaskRun(t, s, execID, "nav", "browser", "navigate", 3)

	task := model.TaskSpec{Name: "nav", AgentType: "browser", Action: "navigate"}
	status, _, err := r.Run(context.Background(), execID, task, taskRunID, resolve.Context{})
	if status != model.TaskRunFailed {
		t.Fatalf("expected failed, got %v", status)
	}
	if model.AsError(err).Kind != model.ErrInvalidDefinition {
		t.Fatalf("expected ErrInvalidDefinition, got %v", model.AsError(err).Kind)
	}
}

func TestRun_CancelledContextStopsBeforeAttempt(t *testing.T) {
	deps, s := newTestDeps(t)
	calls := 0
	deps.Registry.Register("browser", "navigate", capreg.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{}, nil
	}))
	r := New(deps)

	execID := newExecution(t, s)
	taskRunID := newTaskRun(t, s, execID, "nav", "browser", "navigate", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := model.TaskSpec{Name: "nav", AgentType: "browser", Action: "navigate"}
	status, _, err := r.Run(ctx, execID, task, taskRunID, resolve.Context{})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if status != model.TaskRunCancelled {
		t.Fatalf("expected cancelled, got %v", status)
	}
	if calls != 0 {
		t.Fatalf("handler should never be invoked against an already-cancelled context, got %d calls", calls)
	}
}
