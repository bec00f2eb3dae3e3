// Package orchestration is the deterministic replay engine. Orchestrator
// functions run from the top on every turn; each awaitable they create gets
// the next deterministic schedule id and is resolved against the instance
// history. When history runs out the turn aborts, and whatever actions were
// emitted but not matched by history are the turn's new side effects.
package orchestration

import (
	"context"
	"strings"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// OrchestratorFunc is user orchestration logic. It must be deterministic:
// all I/O goes through the Context awaitables.
type OrchestratorFunc func(ctx *Context) (any, error)

// ActivityFunc is user activity logic. It runs outside replay and may do
// arbitrary I/O. The returned value is JSON-marshaled into the history.
type ActivityFunc func(ctx context.Context, input []byte) (any, error)

// Registry maps names to orchestrator and activity functions.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]OrchestratorFunc
	activities    map[string]ActivityFunc
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]OrchestratorFunc),
		activities:    make(map[string]ActivityFunc),
	}
}

// AddOrchestrator registers an orchestrator function under a name.
func (r *Registry) AddOrchestrator(name string, fn OrchestratorFunc) error {
	if r == nil {
		return durable.ErrNotRegistered
	}
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return durable.WrapError(durable.ErrNotRegistered, "orchestrator name and function required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orchestrators[name]; exists {
		return durable.WrapError(durable.ErrNotRegistered, "orchestrator already registered: "+name, nil)
	}
	r.orchestrators[name] = fn
	return nil
}

// AddActivity registers an activity function under a name.
func (r *Registry) AddActivity(name string, fn ActivityFunc) error {
	if r == nil {
		return durable.ErrNotRegistered
	}
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return durable.WrapError(durable.ErrNotRegistered, "activity name and function required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return durable.WrapError(durable.ErrNotRegistered, "activity already registered: "+name, nil)
	}
	r.activities[name] = fn
	return nil
}

// Orchestrator looks up an orchestrator function by name.
func (r *Registry) Orchestrator(name string) (OrchestratorFunc, error) {
	if r == nil {
		return nil, durable.ErrNotRegistered
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.orchestrators[strings.TrimSpace(name)]
	if !ok {
		return nil, durable.WrapError(durable.ErrNotRegistered, "orchestrator not registered: "+name, nil)
	}
	return fn, nil
}

// Activity looks up an activity function by name.
func (r *Registry) Activity(name string) (ActivityFunc, error) {
	if r == nil {
		return nil, durable.ErrNotRegistered
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[strings.TrimSpace(name)]
	if !ok {
		return nil, durable.WrapError(durable.ErrNotRegistered, "activity not registered: "+name, nil)
	}
	return fn, nil
}
