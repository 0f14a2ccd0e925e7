// Package scheduler implements the transport-agnostic Scheduler (C7): the
// API surface a gateway, CLI, or trigger calls to create workflows, launch
// executions against the engine, and inspect or cancel them. It validates a
// workflow's DAG at create time and rejects execution of an archived
// workflow, but owns no dispatch logic of its own — that lives in Engine.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/basket/browserwf/internal/authz"
	"github.com/basket/browserwf/internal/bus"
	"github.com/basket/browserwf/internal/engine"
	"github.com/basket/browserwf/internal/graph"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/store"
)

// Scheduler is the capability every transport binds to.
type Scheduler struct {
	store  store.Store
	engine *engine.Engine
	bus    *bus.Bus
	authz  authz.Authorizer
	logger *slog.Logger
}

// New returns a Scheduler bound to a Store, ExecutionEngine and EventBus. A
// nil Authorizer defaults to authz.Permissive.
func New(s store.Store, e *engine.Engine, b *bus.Bus, az authz.Authorizer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if az == nil {
		az = authz.Permissive{}
	}
	return &Scheduler{store: s, engine: e, bus: b, authz: az, logger: logger}
}

// CreateWorkflow validates the workflow's DAG before persisting it. A
// workflow with a cycle, duplicate task name, or unknown dependency is
// rejected before it can ever be executed.
func (s *Scheduler) CreateWorkflow(ctx context.Context, wf model.Workflow) (string, error) {
	if err := graph.Validate(wf.Definition); err != nil {
		return "", err
	}
	if wf.Status == "" {
		wf.Status = model.WorkflowActive
	}
	return s.store.CreateWorkflow(ctx, wf)
}

// GetWorkflow returns the workflow record by id, if callerID is authorized
// against its owner.
func (s *Scheduler) GetWorkflow(ctx context.Context, callerID, id string) (model.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	if !s.authz.AllowExecution(callerID, wf.Owner) {
		return model.Workflow{}, model.NewError(model.ErrTerminal, "caller not authorized for workflow %s", id)
	}
	return wf, nil
}

// ListWorkflows returns the owner's workflows matching filter, paginated.
func (s *Scheduler) ListWorkflows(ctx context.Context, owner string, filter store.WorkflowFilter, page store.Page) ([]model.Workflow, error) {
	return s.store.ListWorkflows(ctx, owner, filter, page)
}

// ArchiveWorkflow marks a workflow archived. Archived workflows reject new
// executions but existing executions run to completion unaffected.
func (s *Scheduler) ArchiveWorkflow(ctx context.Context, callerID, id string) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !s.authz.AllowExecution(callerID, wf.Owner) {
		return model.NewError(model.ErrTerminal, "caller not authorized for workflow %s", id)
	}
	return s.store.UpdateWorkflowStatus(ctx, id, model.WorkflowArchived)
}

// ExecuteWorkflow creates a queued Execution for workflowID and hands it to
// the engine to dispatch. It refuses to execute an archived workflow.
func (s *Scheduler) ExecuteWorkflow(ctx context.Context, workflowID string, inputs map[string]any, triggerType string) (string, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if wf.Status == model.WorkflowArchived {
		return "", model.NewError(model.ErrTerminal, "workflow %s is archived and cannot be executed", workflowID)
	}
	if triggerType == "" {
		triggerType = "manual"
	}
	executionID, err := s.store.CreateExecution(ctx, workflowID, inputs, triggerType)
	if err != nil {
		return "", err
	}
	s.engine.Dispatch(executionID)
	return executionID, nil
}

// ownerOf resolves the owning workflow's owner for an execution, the unit
// every authorization check is scoped to.
func (s *Scheduler) ownerOf(ctx context.Context, executionID string) (model.Execution, string, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return model.Execution{}, "", err
	}
	wf, err := s.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return model.Execution{}, "", err
	}
	return exec, wf.Owner, nil
}

// GetExecution returns the execution record by id, if callerID is
// authorized against the owning workflow's owner.
func (s *Scheduler) GetExecution(ctx context.Context, callerID, id string) (model.Execution, error) {
	exec, owner, err := s.ownerOf(ctx, id)
	if err != nil {
		return model.Execution{}, err
	}
	if !s.authz.AllowExecution(callerID, owner) {
		return model.Execution{}, model.NewError(model.ErrTerminal, "caller not authorized for execution %s", id)
	}
	return exec, nil
}

// ListTaskRuns returns every task run recorded for an execution.
func (s *Scheduler) ListTaskRuns(ctx context.Context, executionID string) ([]model.TaskRun, error) {
	return s.store.ListTaskRuns(ctx, executionID)
}

// CancelExecution requests cancellation of a queued or running execution,
// if callerID is authorized against the owning workflow's owner.
func (s *Scheduler) CancelExecution(ctx context.Context, callerID, executionID string) error {
	_, owner, err := s.ownerOf(ctx, executionID)
	if err != nil {
		return err
	}
	if !s.authz.AllowExecution(callerID, owner) {
		return model.NewError(model.ErrTerminal, "caller not authorized for execution %s", executionID)
	}
	return s.engine.CancelExecution(ctx, executionID)
}

// SubscribeExecutionEvents replays any events with seq > fromSeq, then
// hands back a live Subscription for events published from that point on,
// if callerID is authorized against the owning workflow's owner. It
// subscribes to the bus before querying the replay, never after: querying
// first would leave a window where an event published between the query and
// the subscribe call is neither in the replay nor ever delivered live. The
// subscribe-first ordering can instead hand a caller the same event twice
// (once in replay, once live) when it lands in that window; callers drain
// the replay slice first, then range over the subscription, dropping any
// live event whose Seq is not strictly greater than the last replayed Seq.
func (s *Scheduler) SubscribeExecutionEvents(ctx context.Context, callerID, executionID string, fromSeq int64) ([]model.ExecutionEvent, *bus.Subscription, error) {
	_, owner, err := s.ownerOf(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if !s.authz.AllowExecution(callerID, owner) {
		return nil, nil, model.NewError(model.ErrTerminal, "caller not authorized for execution %s", executionID)
	}
	sub := s.bus.Subscribe(bus.ExecutionTopic(executionID))
	replay, err := s.store.ListEventsFrom(ctx, executionID, fromSeq, 0)
	if err != nil {
		s.bus.Unsubscribe(sub)
		return nil, nil, err
	}
	return replay, sub, nil
}

// Recover runs the engine's crash-recovery sweep. Call once at startup
// before accepting new execute requests.
func (s *Scheduler) Recover(ctx context.Context) error {
	return s.engine.Recover(ctx)
}
