// Package model defines the workflow/execution/task-run data model and the
// error taxonomy every other package classifies against.
package model

import "fmt"

// Kind names one of the error categories a TaskRunner or ExecutionEngine can
// raise. Every Kind carries a fixed retryability; callers should branch on
// Kind, not on string-matching messages.
type Kind string

const (
	ErrInvalidDefinition    Kind = "invalid_definition"
	ErrUnresolvedReference  Kind = "unresolved_reference"
	ErrSelectorTimeout      Kind = "selector_timeout"
	ErrNavigation           Kind = "navigation"
	ErrDriverCrashed        Kind = "driver_crashed"
	ErrTimeout              Kind = "timeout"
	ErrScript               Kind = "script"
	ErrCancelled            Kind = "cancelled"
	ErrStateConflict        Kind = "state_conflict"
	ErrExecutionTimeout     Kind = "execution_timeout"
	ErrOrphaned             Kind = "orphaned"
	ErrStoreUnavailable     Kind = "store_unavailable"
	ErrTerminal             Kind = "terminal" // operation rejected: execution/workflow already terminal
)

// retryable classifies the driver/store-facing kinds as transient by
// nature; everything else is a permanent classification.
var retryable = map[Kind]bool{
	ErrSelectorTimeout:  true,
	ErrNavigation:       true,
	ErrDriverCrashed:    true,
	ErrTimeout:          true,
	ErrStoreUnavailable: true,
}

// Error is a tagged value carrying a Kind, a human message and the
// retryable bit — never an exception used for control flow.
type Error struct {
	Kind    Kind
	Message string
	// Retryable overrides the kind's default when non-nil; used for driver
	// acquire failures which are retryable regardless of kind.
	Retryable *bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsRetryable reports whether the error should feed the TaskRunner retry
// loop.
func (e *Error) IsRetryable() bool {
	if e.Retryable != nil {
		return *e.Retryable
	}
	return retryable[e.Kind]
}

// NewError builds a tagged Error for the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a *Error from err, classifying unknown errors as
// ErrDriverCrashed (retryable) rather than letting a raw error escape and
// panic the caller.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: ErrDriverCrashed, Message: err.Error()}
}
