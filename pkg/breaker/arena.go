package breaker

import (
	"sync"
)

// Arena holds one shared breaker per external service. Tools declaring
// the same service ID in their manifests converge on the same breaker,
// so failures observed through one tool protect every other tool that
// talks to that backend.
type Arena struct {
	defaults Config

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	overrides map[string]Config
	observers []func(Transition)
}

// NewArena creates an arena with default per-service config
func NewArena(defaults Config) *Arena {
	return &Arena{
		defaults:  defaults,
		breakers:  make(map[string]*Breaker),
		overrides: make(map[string]Config),
	}
}

// OnTransition registers an observer for state changes across all
// services. Must be called before the first For.
func (a *Arena) OnTransition(fn func(Transition)) {
	if a == nil || fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// Configure installs a per-service override, typically sourced from a
// tool manifest's resilience block. Takes effect for breakers created
// after the call; an existing breaker keeps its config until Remove.
func (a *Arena) Configure(service string, cfg Config) {
	if a == nil || service == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides[service] = cfg
}

// For returns the shared breaker for a service, creating it on first
// use. A nil arena returns a nil breaker, which denies all traffic.
func (a *Arena) For(service string) *Breaker {
	if a == nil || service == "" {
		return nil
	}

	a.mu.RLock()
	b, ok := a.breakers[service]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.breakers[service]; ok {
		return b
	}

	cfg := a.defaults
	if o, ok := a.overrides[service]; ok {
		cfg = o
	}
	b = New(service, cfg, a.publish)
	a.breakers[service] = b
	return b
}

// publish fans a transition out to every observer
func (a *Arena) publish(ev Transition) {
	a.mu.RLock()
	observers := make([]func(Transition), len(a.observers))
	copy(observers, a.observers)
	a.mu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Reset forces the named breaker closed. Returns false when the service
// has no breaker yet.
func (a *Arena) Reset(service string) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	b, ok := a.breakers[service]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Remove drops a service's breaker and override, releasing state for
// services that no longer appear in any manifest.
func (a *Arena) Remove(service string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.breakers, service)
	delete(a.overrides, service)
}

// Snapshots returns a point-in-time view of every breaker, keyed by
// service ID
func (a *Arena) Snapshots() map[string]Snapshot {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Snapshot, len(a.breakers))
	for service, b := range a.breakers {
		out[service] = b.Snapshot()
	}
	return out
}
