// Package status tracks the connection lifecycle of a transport channel.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/emilAIT/chatsync/internal/bus"
)

// State represents a channel connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	// Reconnecting is Disconnected with a scheduled retry pending. The
	// machine only enters it when a backoff timer has actually been armed.
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Open, Reconnecting, Disconnected},
	Open:         {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions for one channel.
type Machine struct {
	mu      sync.RWMutex
	channel string
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine for the named channel, starting
// Disconnected.
func NewMachine(channel string, b *bus.Bus) *Machine {
	return &Machine{
		channel: channel,
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

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("channel %s: invalid transition from %s to %s", m.channel, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindTransportStatus,
			Timestamp: time.Now(),
			Payload: StatusChange{
				Channel: m.channel,
				From:    from,
				To:      to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Channel string
	From    State
	To      State
}
