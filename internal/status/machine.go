package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pcastello/chatsync/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Recovering State = "RECOVERING"
	Ready      State = "READY"
	Offline    State = "OFFLINE"
	Stopping   State = "STOPPING"
	Errored    State = "ERROR"
)

// validTransitions defines allowed daemon state transitions.
var validTransitions = map[State][]State{
	Booting:    {Recovering, Errored},
	Recovering: {Ready, Offline, Errored},
	Ready:      {Offline, Stopping, Errored},
	Offline:    {Ready, Stopping, Errored},
	Stopping:   {},
	Errored:    {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
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

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindDaemonStatus,
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// WatchConnectivity flips the machine between Ready and Offline as
// net.online/net.offline events arrive. Transitions from any other
// state stay with the lifecycle hooks. Runs until ctx is cancelled.
func (m *Machine) WatchConnectivity(ctx context.Context) {
	ch, unsub := m.bus.Subscribe("net.", 8)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindNetOnline:
					if m.Current() == Offline {
						_ = m.Transition(Ready)
					}
				case bus.KindNetOffline:
					if m.Current() == Ready {
						_ = m.Transition(Offline)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StateChange is the payload for daemon status change events.
type StateChange struct {
	From State
	To   State
}
