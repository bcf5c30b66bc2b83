// Package registry resolves state machines by name, replacing the
// Rust original's Weak<StateMachine> back-references (each state
// closing over its own machine) with a shared lookup table consulted
// at Goto time. This also makes cross-machine Goto -- one state
// machine driving a transition in another -- a first-class case
// instead of something only reachable through a captured reference.
package registry

import (
	"sync"

	"github.com/openpipe-hmi/annunciator/internal/annerr"
)

// Machine is the part of internal/statemachine.Machine the registry
// needs: enough to drive a named transition.
type Machine interface {
	Goto(state string) error
}

// Registry maps state machine names to live instances.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]Machine
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{machines: make(map[string]Machine)}
}

// Register binds a name to a machine. Configurations declare machine
// names up front, so registration happens once at startup before any
// Goto can reference it.
func (r *Registry) Register(name string, m Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[name] = m
}

// Goto resolves machine by name and requests the given state
// transition on it.
func (r *Registry) Goto(machine, state string) error {
	r.mu.RLock()
	m, ok := r.machines[machine]
	r.mu.RUnlock()
	if !ok {
		return annerr.NotFoundf("state machine %q is not declared", machine)
	}
	return m.Goto(state)
}
