// Package capreg implements the capability registry (A3): a lookup from
// (agent_type, action) to the Handler that performs it. The registry
// resolves "what function to call" and nothing else; it owns no
// concurrency of its own, since every Handler call is already scheduled
// under the engine's own semaphores.
package capreg

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/browserwf/internal/model"
)

// Handler is the one-method dispatch interface a TaskRunner invokes for
// a resolved (agent_type, action) pair.
type Handler interface {
	Handle(ctx context.Context, params map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

type key struct {
	agentType string
	action    string
}

// Registry maps (agent_type, action) to a registered Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[key]Handler)}
}

// Register adds (or replaces) the handler for agentType/action.
func (r *Registry) Register(agentType, action string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{agentType, action}] = handler
}

// Lookup resolves the handler for agentType/action, checking under a
// read lock first since registration happens only at startup and lookups
// happen on every task attempt.
func (r *Registry) Lookup(agentType, action string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[key{agentType, action}]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.ErrInvalidDefinition, "no handler registered for agent_type=%q action=%q", agentType, action)
	}
	return h, nil
}

// Registered reports whether a handler exists for agentType/action,
// used by workflow validation to reject definitions that reference an
// unregistered capability before an execution is ever created.
func (r *Registry) Registered(agentType, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[key{agentType, action}]
	return ok
}

// String lists the registered (agent_type, action) pairs, useful for
// diagnostics and startup logging.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, fmt.Sprintf("%s.%s", k.agentType, k.action))
	}
	return fmt.Sprintf("%v", out)
}
