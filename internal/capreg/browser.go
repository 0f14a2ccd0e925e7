package capreg

import (
	"context"
	"time"

	"github.com/basket/browserwf/internal/browserdriver"
	"github.com/basket/browserwf/internal/pagepool"
)

// AgentTypeBrowser is the built-in, required agent_type: every Execute
// action (navigate/click/type/get_text/get_content/evaluate/screenshot)
// is handled by one BrowserHandler instance per pool.
const AgentTypeBrowser = "browser"

// BrowserHandler adapts a PagePool+Driver pair into the one-method
// Handler interface, acquiring a page for the duration of one action and
// releasing it back to the pool regardless of outcome.
type BrowserHandler struct {
	pool    *pagepool.Pool
	driver  browserdriver.Driver
	timeout time.Duration
}

// NewBrowserHandler returns a Handler bound to pool/driver. timeout
// bounds how long a single action may hold a page when the caller's
// context carries no earlier deadline.
func NewBrowserHandler(pool *pagepool.Pool, driver browserdriver.Driver, timeout time.Duration) *BrowserHandler {
	return &BrowserHandler{pool: pool, driver: driver, timeout: timeout}
}

// RegisterActions registers h under AgentTypeBrowser for every action
// name the driver recognizes.
func RegisterActions(reg *Registry, h *BrowserHandler, actions ...string) {
	for _, action := range actions {
		act := action
		reg.Register(AgentTypeBrowser, act, HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return h.execute(ctx, act, params)
		}))
	}
}

func (h *BrowserHandler) execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(h.timeout)
	}

	page, err := h.pool.Acquire(ctx, deadline)
	if err != nil {
		return nil, err
	}
	defer h.pool.Release(ctx, page)

	return h.driver.Execute(ctx, page, action, params, deadline)
}
