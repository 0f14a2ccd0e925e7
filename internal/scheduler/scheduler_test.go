package scheduler_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/browserwf/internal/bus"
	"github.com/basket/browserwf/internal/capreg"
	"github.com/basket/browserwf/internal/engine"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/scheduler"
	"github.com/basket/browserwf/internal/store"
	"github.com/basket/browserwf/internal/taskrunner"
)

// ownerOnly allows a caller only to act on resources it owns itself.
type ownerOnly struct{}

func (ownerOnly) AllowExecution(callerID, resourceOwnerID string) bool {
	return callerID == resourceOwnerID
}

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "browserwf.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := capreg.New()
	b := bus.New()
	runner := taskrunner.New(taskrunner.Deps{Store: s, Bus: b, Registry: reg})
	e := engine.New(s, b, runner, engine.Config{}, nil)
	sched := scheduler.New(s, e, b, ownerOnly{}, nil)
	return sched, s
}

func simpleDefinition() model.Definition {
	return model.Definition{
		Tasks: []model.TaskSpec{
			{Name: "t1", AgentType: "noop", Action: "noop"},
		},
	}
}

func TestScheduler_CreateWorkflowRejectsCycle(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.CreateWorkflow(ctx, model.Workflow{
		Name:  "cyclic",
		Owner: "owner-1",
		Definition: model.Definition{
			Tasks: []model.TaskSpec{
				{Name: "a", AgentType: "noop", Action: "noop", DependsOn: []string{"b"}},
				{Name: "b", AgentType: "noop", Action: "noop", DependsOn: []string{"a"}},
			},
		},
	})
	if err == nil {
		t.Fatal("expected cyclic definition to be rejected")
	}
}

func TestScheduler_GetWorkflowAuthz(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	wfID, err := sched.CreateWorkflow(ctx, model.Workflow{
		Name:       "wf",
		Owner:      "owner-1",
		Definition: simpleDefinition(),
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if _, err := sched.GetWorkflow(ctx, "owner-1", wfID); err != nil {
		t.Fatalf("owner should be authorized: %v", err)
	}
	if _, err := sched.GetWorkflow(ctx, "owner-2", wfID); err == nil {
		t.Fatal("non-owner should not be authorized")
	}
}

func TestScheduler_ArchiveWorkflowAuthz(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	wfID, err := sched.CreateWorkflow(ctx, model.Workflow{
		Name:       "wf",
		Owner:      "owner-1",
		Definition: simpleDefinition(),
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if err := sched.ArchiveWorkflow(ctx, "owner-2", wfID); err == nil {
		t.Fatal("non-owner should not be able to archive")
	}
	if err := sched.ArchiveWorkflow(ctx, "owner-1", wfID); err != nil {
		t.Fatalf("owner should be able to archive: %v", err)
	}
	wf, err := s.GetWorkflow(ctx, wfID)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.Status != model.WorkflowArchived {
		t.Fatalf("expected archived, got %s", wf.Status)
	}
}

func TestScheduler_ExecuteWorkflowRejectsArchived(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	wfID, err := sched.CreateWorkflow(ctx, model.Workflow{
		Name:       "wf",
		Owner:      "owner-1",
		Definition: simpleDefinition(),
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := sched.ArchiveWorkflow(ctx, "owner-1", wfID); err != nil {
		t.Fatalf("ArchiveWorkflow: %v", err)
	}
	if _, err := sched.ExecuteWorkflow(ctx, wfID, nil, ""); err == nil {
		t.Fatal("expected execute of archived workflow to be rejected")
	}
}

func TestScheduler_ExecutionAuthz(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	wfID, err := sched.CreateWorkflow(ctx, model.Workflow{
		Name:       "wf",
		Owner:      "owner-1",
		Definition: simpleDefinition(),
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	executionID, err := sched.ExecuteWorkflow(ctx, wfID, nil, "")
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}

	if _, err := sched.GetExecution(ctx, "owner-2", executionID); err == nil {
		t.Fatal("non-owner should not be authorized to read execution")
	}
	if _, err := sched.GetExecution(ctx, "owner-1", executionID); err != nil {
		t.Fatalf("owner should be authorized: %v", err)
	}

	if err := sched.CancelExecution(ctx, "owner-2", executionID); err == nil {
		t.Fatal("non-owner should not be authorized to cancel")
	}

	if _, _, err := sched.SubscribeExecutionEvents(ctx, "owner-2", executionID, 0); err == nil {
		t.Fatal("non-owner should not be authorized to subscribe")
	}
	if _, _, err := sched.SubscribeExecutionEvents(ctx, "owner-1", executionID, 0); err != nil {
		t.Fatalf("owner should be authorized to subscribe: %v", err)
	}
}
