// Package fsm implements the table-driven state machines that coordinate
// excavator navigation and arm manipulation.
package fsm

import (
	"fmt"
	"sync"

	"github.com/yardbot/excavator/internal/monitoring"
)

// State is a named machine state.
type State string

// Trigger is a named transition event.
type Trigger string

// Wildcard matches any source state. Wildcard transitions are always legal
// and take precedence only when no exact-source transition matches.
const Wildcard State = "*"

// Transition maps a trigger fired in Src to Dst.
type Transition struct {
	Trigger Trigger
	Src     State
	Dst     State
}

// InvalidTransitionError reports a trigger that is not defined for the
// machine's current state. The machine state is left unchanged.
type InvalidTransitionError struct {
	Machine string
	Trigger Trigger
	State   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %q from state %q", e.Machine, e.Trigger, e.State)
}

// EntryHook is called after the machine enters a state. Hooks carry no
// business logic; they exist for logging and telemetry.
type EntryHook func(State)

// Machine is a finite-state machine with an explicit transition table.
// There are no implicit transitions: firing a trigger with no matching table
// entry for the current state returns an InvalidTransitionError.
type Machine struct {
	mu      sync.Mutex
	name    string
	state   State
	exact   map[Trigger]map[State]State
	wild    map[Trigger]State
	onEnter EntryHook
}

// New builds a machine from a transition table.
func New(name string, initial State, table []Transition, onEnter EntryHook) *Machine {
	m := &Machine{
		name:    name,
		state:   initial,
		exact:   make(map[Trigger]map[State]State),
		wild:    make(map[Trigger]State),
		onEnter: onEnter,
	}
	for _, tr := range table {
		if tr.Src == Wildcard {
			m.wild[tr.Trigger] = tr.Dst
			continue
		}
		byState := m.exact[tr.Trigger]
		if byState == nil {
			byState = make(map[State]State)
			m.exact[tr.Trigger] = byState
		}
		byState[tr.Src] = tr.Dst
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies a trigger. On an unmatched trigger the state is unchanged and
// an *InvalidTransitionError is returned.
func (m *Machine) Fire(t Trigger) error {
	m.mu.Lock()

	dst, ok := m.exact[t][m.state]
	if !ok {
		dst, ok = m.wild[t]
	}
	if !ok {
		err := &InvalidTransitionError{Machine: m.name, Trigger: t, State: m.state}
		m.mu.Unlock()
		return err
	}

	m.state = dst
	hook := m.onEnter
	m.mu.Unlock()

	monitoring.Logf("[%s] %s -> %s", m.name, t, dst)
	if hook != nil {
		hook(dst)
	}
	return nil
}

// Can reports whether the trigger is legal from the current state.
func (m *Machine) Can(t Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.exact[t][m.state]; ok {
		return true
	}
	_, ok := m.wild[t]
	return ok
}
