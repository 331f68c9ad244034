package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/matchsync/internal/bus"
)

// State is the status of the realtime connection.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
}

// Connection is a point-in-time view of the realtime session.
type Connection struct {
	Status        State
	SessionUserID string
	LastError     error
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	userID  string
	lastErr error
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the full connection record.
func (m *Machine) Snapshot() Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Connection{Status: m.current, SessionUserID: m.userID, LastError: m.lastErr}
}

// SetSessionUser records the identity carried by the current session.
func (m *Machine) SetSessionUser(userID string) {
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
}

// SetError records the most recent transport error. A nil error clears it.
func (m *Machine) SetError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindStatusChanged, StatusChange{
			From: from,
			To:   to,
		}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
