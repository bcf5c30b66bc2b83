// Package statemachine implements C8: a named state machine whose
// states are action trees, with preemptive Goto transitions grounded
// on original_source/src/state_machine.rs. Rust's task.abort() becomes
// context cancellation of the outgoing state's action tree; nothing
// blocks waiting for it to unwind, matching abort's fire-and-forget
// behavior.
package statemachine

import (
	"context"
	"log"
	"sync"

	"github.com/openpipe-hmi/annunciator/internal/action"
	"github.com/openpipe-hmi/annunciator/internal/annerr"
)

// State is one named node: an action tree entered by Goto.
type State struct {
	Name   string
	Action action.Action
}

// Machine runs exactly one state's action tree at a time. Goto stops
// the current one (if any) and starts the named one, looked up by
// name the way find_state_index does in the original.
type Machine struct {
	name string
	env  *action.Env

	mu      sync.Mutex
	states  []State
	active  string
	cancel  context.CancelFunc
	rootCtx context.Context
}

// New creates a machine with no states yet. SetEnv must be called
// before Start or Goto runs any action -- split from New because the
// env a machine's states run under typically embeds the machine
// itself (as the Gotoer for self-referential Goto), so the two can't
// be constructed in one step.
func New(name string) *Machine {
	return &Machine{name: name}
}

// SetEnv binds the action environment states run under.
func (m *Machine) SetEnv(env *action.Env) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.env = env
}

// Name returns the machine's configured name.
func (m *Machine) Name() string { return m.name }

// AddState registers a state. Adding a state with a name already
// present replaces its action.
func (m *Machine) AddState(name string, a action.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.states {
		if s.Name == name {
			m.states[i].Action = a
			return
		}
	}
	m.states = append(m.states, State{Name: name, Action: a})
}

func (m *Machine) findIndex(name string) int {
	for i, s := range m.states {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Start runs ctx as the machine's lifetime context and enters the
// named initial state.
func (m *Machine) Start(ctx context.Context, initial string) error {
	m.mu.Lock()
	m.rootCtx = ctx
	m.mu.Unlock()
	return m.Goto(initial)
}

// ActiveState reports the name of the currently running state, or ""
// if the machine hasn't started.
func (m *Machine) ActiveState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Goto stops whatever state is currently running and starts the named
// one. Unlike state_machine.rs's silent no-op on an out-of-range
// index, an unknown state name here is logged and returned as a
// NotFound error so a config bug surfaces instead of the machine
// quietly going idle; the machine's currently running state, if any,
// is left untouched. Before transitioning, the env's rate limiter is
// consulted (spec section 4.8 step 1, C8); a machine cycling states
// fast enough to exceed its budget is aborted with a Runaway error
// instead of being allowed to spin forever.
func (m *Machine) Goto(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.findIndex(name)
	if idx < 0 {
		log.Printf("state machine %s: goto %q: no such state", m.name, name)
		return annerr.NotFoundf("state machine %q has no state %q", m.name, name)
	}

	if m.env != nil && m.env.Limiter != nil && !m.env.Limiter.Count() {
		log.Printf("state machine %s: goto %q: exceeded its state-change rate limit, aborting", m.name, name)
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.active = ""
		return annerr.Runawayf("state machine %q exceeded its state-change rate limit", m.name)
	}

	if m.cancel != nil {
		m.cancel()
	}
	if m.rootCtx == nil {
		m.rootCtx = context.Background()
	}

	state := m.states[idx]
	actx, cancel := context.WithCancel(m.rootCtx)
	m.cancel = cancel
	m.active = state.Name

	go func() {
		if err := state.Action.Run(actx, m.env); err != nil && actx.Err() == nil {
			log.Printf("state machine %s: state %s exited with error: %v", m.name, state.Name, err)
		}
	}()
	return nil
}

// Stop cancels the currently running state without starting another.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.active = ""
}
