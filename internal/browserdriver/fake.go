package browserdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/browserwf/internal/model"
	"github.com/google/uuid"
)

// fakePage is an in-memory Page for the FakeDriver.
type fakePage struct {
	id     string
	closed bool
	url    string
}

func (p *fakePage) ID() string { return p.id }

// FakeDriver is an in-memory Driver for tests that exercise the
// TaskRunner and ExecutionEngine without a Docker daemon. Handlers can be
// overridden per action to simulate failures, slow responses or specific
// outputs.
type FakeDriver struct {
	mu    sync.Mutex
	pages map[string]*fakePage

	// Handlers overrides the default behavior for a given action. When
	// absent, Execute returns a deterministic canned result.
	Handlers map[string]func(page Page, params map[string]any) (map[string]any, error)

	OpenPageErr error
	ResetErr    error

	OpenCount  int
	CloseCount int
}

// NewFakeDriver returns a ready-to-use FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{pages: make(map[string]*fakePage)}
}

func (d *FakeDriver) OpenPage(ctx context.Context) (Page, error) {
	if d.OpenPageErr != nil {
		return nil, d.OpenPageErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCount++
	p := &fakePage{id: uuid.NewString(), url: "about:blank"}
	d.pages[p.id] = p
	return p, nil
}

func (d *FakeDriver) Execute(ctx context.Context, page Page, action string, params map[string]any, deadline time.Time) (map[string]any, error) {
	if err := ValidateAction(action); err != nil {
		return nil, err
	}
	p, ok := page.(*fakePage)
	if !ok {
		return nil, model.NewError(model.ErrDriverCrashed, "page handle not owned by FakeDriver")
	}
	d.mu.Lock()
	_, tracked := d.pages[p.id]
	d.mu.Unlock()
	if !tracked || p.closed {
		return nil, model.NewError(model.ErrDriverCrashed, "page %s is closed", p.id)
	}

	if handler, ok := d.Handlers[action]; ok {
		return handler(page, params)
	}

	select {
	case <-ctx.Done():
		return nil, model.NewError(model.ErrTimeout, "%s: %v", action, ctx.Err())
	default:
	}

	switch action {
	case ActionNavigate:
		url, _ := params["url"].(string)
		p.url = url
		return map[string]any{"url": url}, nil
	case ActionClick:
		return map[string]any{"clicked": true}, nil
	case ActionType:
		return map[string]any{"typed": true}, nil
	case ActionGetText:
		return map[string]any{"value": fmt.Sprintf("text at %s", p.url)}, nil
	case ActionGetContent:
		return map[string]any{"value": fmt.Sprintf("<html><!-- %s --></html>", p.url)}, nil
	case ActionEvaluate:
		return map[string]any{"value": nil}, nil
	case ActionScreenshot:
		return map[string]any{"data_base64": ""}, nil
	default:
		return nil, model.NewError(model.ErrInvalidDefinition, "unhandled action %q", action)
	}
}

func (d *FakeDriver) ResetPage(ctx context.Context, page Page, fullReset bool) error {
	if d.ResetErr != nil {
		return d.ResetErr
	}
	p, ok := page.(*fakePage)
	if !ok {
		return model.NewError(model.ErrDriverCrashed, "page handle not owned by FakeDriver")
	}
	p.url = "about:blank"
	return nil
}

func (d *FakeDriver) ClosePage(ctx context.Context, page Page) error {
	p, ok := page.(*fakePage)
	if !ok {
		return model.NewError(model.ErrDriverCrashed, "page handle not owned by FakeDriver")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p.closed = true
	delete(d.pages, p.id)
	d.CloseCount++
	return nil
}

func (d *FakeDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pages {
		p.closed = true
	}
	d.pages = make(map[string]*fakePage)
	return nil
}
