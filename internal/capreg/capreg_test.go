package capreg

import (
	"context"
	"testing"
	"time"

	"github.com/basket/browserwf/internal/browserdriver"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/pagepool"
)

func TestLookup_UnregisteredReturnsInvalidDefinition(t *testing.T) {
	reg := New()
	_, err := reg.Lookup("browser", "navigate")
	if err == nil {
		t.Fatal("expected an error for an unregistered capability")
	}
	if model.AsError(err).Kind != model.ErrInvalidDefinition {
		t.Fatalf("expected ErrInvalidDefinition, got %v", model.AsError(err).Kind)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	reg.Register("browser", "navigate", HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))

	if !reg.Registered("browser", "navigate") {
		t.Fatal("expected navigate to be registered")
	}
	h, err := reg.Lookup("browser", "navigate")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	out, err := h.Handle(context.Background(), nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestBrowserHandler_AcquiresAndReleasesPage(t *testing.T) {
	driver := browserdriver.NewFakeDriver()
	pool := pagepool.New(driver, pagepool.Config{MaxPages: 1})
	handler := NewBrowserHandler(pool, driver, time.Second)

	reg := New()
	RegisterActions(reg, handler, browserdriver.ActionNavigate, browserdriver.ActionGetText)

	h, err := reg.Lookup(AgentTypeBrowser, browserdriver.ActionNavigate)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := h.Handle(context.Background(), map[string]any{"url": "https://example.com"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// A second call must succeed even though MaxPages is 1: the handler
	// must have released the page back to the pool after the first call.
	if _, err := h.Handle(context.Background(), map[string]any{"url": "https://example.com"}); err != nil {
		t.Fatalf("second Handle should succeed via page reuse: %v", err)
	}
	if pool.LiveCount() != 1 {
		t.Fatalf("expected live count 1, got %d", pool.LiveCount())
	}
}
