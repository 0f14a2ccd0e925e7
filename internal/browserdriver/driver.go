// Package browserdriver implements the BrowserDriver capability (C1): open
// and close pages, and execute one primitive action against a page within
// a deadline.
package browserdriver

import (
	"context"
	"time"

	"github.com/basket/browserwf/internal/model"
)

// Page is an opaque handle returned by OpenPage. Callers pass it back
// unmodified to Execute, ResetPage and ClosePage.
type Page interface {
	ID() string
}

// Driver is the pluggable browser-automation capability every PagePool is
// built on.
type Driver interface {
	// OpenPage opens a new page, ready to receive actions.
	OpenPage(ctx context.Context) (Page, error)
	// Execute performs one primitive action against page, honoring
	// deadline: if deadline elapses while blocked, Execute returns
	// ErrTimeout and leaves the page in an indeterminate state (the
	// caller must ResetPage before reuse).
	Execute(ctx context.Context, page Page, action string, params map[string]any, deadline time.Time) (map[string]any, error)
	// ResetPage restores page to a clean, reusable state (navigate to
	// about:blank, clear cookies/storage per the pool's reset policy).
	ResetPage(ctx context.Context, page Page, fullReset bool) error
	// ClosePage releases page and any resources behind it.
	ClosePage(ctx context.Context, page Page) error
	// Shutdown is idempotent and drops all in-flight operations.
	Shutdown(ctx context.Context) error
}

// Recognized actions (reference set).
const (
	ActionNavigate   = "navigate"
	ActionClick      = "click"
	ActionType       = "type"
	ActionGetText    = "get_text"
	ActionScreenshot = "screenshot"
	ActionGetContent = "get_content"
	ActionEvaluate   = "evaluate"
)

var knownActions = map[string]bool{
	ActionNavigate:   true,
	ActionClick:      true,
	ActionType:       true,
	ActionGetText:    true,
	ActionScreenshot: true,
	ActionGetContent: true,
	ActionEvaluate:   true,
}

// ValidateAction reports whether action is one of the recognized
// primitive actions a TaskSpec may carry.
func ValidateAction(action string) error {
	if !knownActions[action] {
		return model.NewError(model.ErrInvalidDefinition, "unknown action %q", action)
	}
	return nil
}
