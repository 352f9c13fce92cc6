package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/onboardly/comms/internal/bus"
)

// State represents a session lifecycle state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	LoggingIn    State = "LOGGING_IN"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	LoginFailed  State = "LOGIN_FAILED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. LoginFailed is
// terminal apart from shutdown: no traffic proceeds after a rejected
// login.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Closed},
	Connecting:   {LoggingIn, Reconnecting, Closed},
	LoggingIn:    {Ready, LoginFailed, Reconnecting, Closed},
	Ready:        {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	LoginFailed:  {Closed},
	Closed:       {},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload:   Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for status change events.
type Change struct {
	From State
	To   State
}
