package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pedrosland/chatkit/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	NotAuthorized State = "NOT_AUTHORIZED"
	Error         State = "ERROR"
)

// validTransitions defines allowed state transitions. NotAuthorized, Error
// and Disconnected leave only through an explicit connect attempt; Error is
// additionally excluded from automatic reconnection by the lifecycle
// controller, not by this table.
var validTransitions = map[State][]State{
	Disconnected:  {Connecting, Error},
	Connecting:    {Connected, Disconnected, NotAuthorized, Error},
	Connected:     {Disconnected, Connecting, NotAuthorized, Error},
	NotAuthorized: {Connecting, Error},
	Error:         {Connecting},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
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

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
