// Package store defines the durable persistence capability (C3): CRUD for
// workflows, executions and task runs, atomic CAS status transitions, and
// the append-only execution event log that backs replay.
package store

import (
	"context"
	"time"

	"github.com/basket/browserwf/internal/model"
)

// WorkflowFilter narrows ListWorkflows. A zero value matches every workflow
// owned by the caller.
type WorkflowFilter struct {
	Status model.WorkflowStatus
	Name   string
}

// Page bounds a ListWorkflows query.
type Page struct {
	Limit  int
	Offset int
}

// ExecutionFields carries the optional fields a transition may set
// alongside the status itself.
type ExecutionFields struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  *int64
	Output      map[string]any
	Error       *model.Error
}

// TaskRunFields mirrors ExecutionFields for a TaskRun transition.
type TaskRunFields struct {
	StartedAt          *time.Time
	CompletedAt        *time.Time
	DurationMs         *int64
	Attempt            *int
	ParametersResolved map[string]any
	Output             map[string]any
	Error              *model.Error
}

// Store is the durable persistence capability every other component
// depends on. Every write is atomic; transitions are compare-and-swap on
// the row's current status so concurrent callers never overwrite each
// other's terminal decision.
type Store interface {
	CreateWorkflow(ctx context.Context, wf model.Workflow) (string, error)
	GetWorkflow(ctx context.Context, id string) (model.Workflow, error)
	ListWorkflows(ctx context.Context, owner string, filter WorkflowFilter, page Page) ([]model.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status model.WorkflowStatus) error

	CreateExecution(ctx context.Context, workflowID string, inputs map[string]any, triggerType string) (string, error)
	GetExecution(ctx context.Context, id string) (model.Execution, error)
	TransitionExecution(ctx context.Context, id string, expectedFrom []model.ExecutionStatus, to model.ExecutionStatus, fields ExecutionFields) (bool, error)

	CreateTaskRun(ctx context.Context, executionID, taskName, agentType, action string, paramsResolved map[string]any, retryLimit int) (string, error)
	GetTaskRun(ctx context.Context, id string) (model.TaskRun, error)
	ListTaskRuns(ctx context.Context, executionID string) ([]model.TaskRun, error)
	TransitionTaskRun(ctx context.Context, id string, expectedFrom []model.TaskRunStatus, to model.TaskRunStatus, fields TaskRunFields) (bool, error)

	// AppendEvent appends one event to the execution's log and assigns it
	// the next monotonic sequence number for that execution.
	AppendEvent(ctx context.Context, event model.ExecutionEvent) (seq int64, err error)
	// ListEventsFrom returns events for executionID with seq > fromSeq, in
	// order, for replay-then-live cutover.
	ListEventsFrom(ctx context.Context, executionID string, fromSeq int64, limit int) ([]model.ExecutionEvent, error)
	// LatestSeq returns the highest sequence number recorded for an
	// execution, or 0 if none.
	LatestSeq(ctx context.Context, executionID string) (int64, error)

	// LoadExecution returns the execution, its task runs, and its full
	// event log, for resume or inspection.
	LoadExecution(ctx context.Context, id string) (model.Execution, []model.TaskRun, []model.ExecutionEvent, error)

	// ExecutionsInStatus lists execution ids currently in one of the given
	// statuses, used by the engine's crash-recovery sweep on startup.
	ExecutionsInStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]string, error)

	// CreateSchedule persists a standing cron instruction owned by the
	// Trigger component.
	CreateSchedule(ctx context.Context, sched model.Schedule) (string, error)
	// DueSchedules returns enabled schedules whose next_run_at is at or
	// before now.
	DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error)
	// UpdateScheduleRun records a fired schedule's last and next run times.
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
	ListSchedules(ctx context.Context, owner string) ([]model.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	Close() error
}
