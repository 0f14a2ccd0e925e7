// Package pagepool implements the PagePool capability (C2): a bounded
// pool of driver-provided pages, handed out to callers and reset between
// uses rather than closed and reopened on every task.
package pagepool

import (
	"context"
	"sync"
	"time"

	"github.com/basket/browserwf/internal/browserdriver"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/obs"
)

// ResetPolicy controls what release does to a page before it is made
// available for reuse.
type ResetPolicy string

const (
	ResetFull ResetPolicy = "full"
	ResetFast ResetPolicy = "fast"
)

// Config configures a Pool.
type Config struct {
	MaxPages    int
	MaxIdle     int
	ResetPolicy ResetPolicy
	Obs         *obs.Provider
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 5
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = c.MaxPages
	}
	if c.ResetPolicy == "" {
		c.ResetPolicy = ResetFull
	}
	return c
}

// Pool is a bounded pool of browserdriver.Page, internally synchronized:
// callers may acquire/release from any worker goroutine.
type Pool struct {
	driver browserdriver.Driver
	cfg    Config

	mu       sync.Mutex
	idle     []browserdriver.Page
	liveCount int
	waiters  []chan struct{}
	closed   bool
}

// New returns a Pool backed by driver, honoring cfg's bounds.
func New(driver browserdriver.Driver, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	if cfg.Obs == nil {
		cfg.Obs = obs.NoOp()
	}
	return &Pool{driver: driver, cfg: cfg}
}

// Acquire returns an idle page if one exists; otherwise, if fewer than
// MaxPages are currently live, it opens a new one; otherwise it blocks
// for a released page until deadline elapses.
func (p *Pool) Acquire(ctx context.Context, deadline time.Time) (browserdriver.Page, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, model.NewError(model.ErrDriverCrashed, "page pool is closed")
		}
		if n := len(p.idle); n > 0 {
			page := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			p.cfg.Obs.Metrics.PagePoolInUse.Add(ctx, 1)
			return page, nil
		}
		if p.liveCount < p.cfg.MaxPages {
			p.liveCount++
			p.mu.Unlock()
			page, err := p.driver.OpenPage(ctx)
			if err != nil {
				p.mu.Lock()
				p.liveCount--
				p.mu.Unlock()
				return nil, model.NewError(model.ErrDriverCrashed, "open page: %v", model.AsError(err).Message)
			}
			p.cfg.Obs.Metrics.PagePoolInUse.Add(ctx, 1)
			return page, nil
		}
		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		acquireCtx, cancel := context.WithDeadline(ctx, deadline)
		select {
		case <-wait:
			cancel()
		case <-acquireCtx.Done():
			cancel()
			p.removeWaiter(wait)
			return nil, model.NewError(model.ErrTimeout, "acquire page: %v", acquireCtx.Err())
		}
	}
}

// removeWaiter drops wait from the waiter queue after it has timed out,
// so a future release doesn't spend its wakeup on an abandoned waiter.
func (p *Pool) removeWaiter(wait chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns page to the pool after attempting a reset. A failed
// reset closes the page and decrements the live count rather than
// returning a possibly-contaminated page to the idle set. If the idle
// set would exceed MaxIdle, the page is closed instead of kept.
func (p *Pool) Release(ctx context.Context, page browserdriver.Page) {
	p.cfg.Obs.Metrics.PagePoolInUse.Add(ctx, -1)
	fullReset := p.cfg.ResetPolicy == ResetFull
	if err := p.driver.ResetPage(ctx, page, fullReset); err != nil {
		p.discard(ctx, page)
		return
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		p.discard(ctx, page)
		return
	}
	p.idle = append(p.idle, page)
	p.wakeOneWaiterLocked()
	p.mu.Unlock()
}

// discard closes page outright and decrements the live count, waking a
// waiter so it can open a fresh page in the now-freed slot.
func (p *Pool) discard(ctx context.Context, page browserdriver.Page) {
	_ = p.driver.ClosePage(ctx, page)
	p.mu.Lock()
	if p.liveCount > 0 {
		p.liveCount--
	}
	p.wakeOneWaiterLocked()
	p.mu.Unlock()
}

func (p *Pool) wakeOneWaiterLocked() {
	if len(p.waiters) == 0 {
		return
	}
	wait := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(wait)
}

// LiveCount returns the number of pages currently open (idle + in use).
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCount
}

// CloseAll closes every idle page and marks the pool closed; pages
// currently checked out are closed as they are released back.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, wait := range waiters {
		close(wait)
	}

	var firstErr error
	for _, page := range idle {
		if err := p.driver.ClosePage(ctx, page); err != nil && firstErr == nil {
			firstErr = err
		}
		p.mu.Lock()
		if p.liveCount > 0 {
			p.liveCount--
		}
		p.mu.Unlock()
	}
	return firstErr
}
