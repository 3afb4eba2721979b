package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
)

// State represents the service runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Ready    State = "READY"
	Degraded State = "DEGRADED"
	Stopping State = "STOPPING"
)

// KindStatusChanged is published on every transition.
const KindStatusChanged = "service.status_changed"

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Ready, Degraded, Stopping},
	Ready:    {Degraded, Stopping},
	Degraded: {Ready, Stopping},
	Stopping: {},
}

// Machine tracks and enforces service state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Serving reports whether requests should be answered as healthy.
func (m *Machine) Serving() bool {
	return m.Current() == Ready
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Emit(KindStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// Observe feeds a dependency health check result into the machine: a failure
// while Ready degrades the service, a success while Degraded or Booting
// makes it Ready. Stopping is final.
func (m *Machine) Observe(err error) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil && m.current != Degraded && m.current != Stopping:
		_ = m.transitionLocked(Degraded)
	case err == nil && (m.current == Degraded || m.current == Booting):
		_ = m.transitionLocked(Ready)
	}
	return m.current
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
