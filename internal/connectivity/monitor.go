// Package connectivity tracks the device's connected state. The state
// itself comes from outside the engine (the platform network monitor);
// this package only holds it and broadcasts changes.
package connectivity

import (
	"sync/atomic"
	"time"

	"github.com/pcastello/chatsync/internal/bus"
)

// Monitor holds the current connectivity state and publishes
// net.online / net.offline events on change. The outbound queue
// drains on every net.online.
type Monitor struct {
	online atomic.Bool
	bus    *bus.Bus
}

// NewMonitor creates a monitor in the offline state. The engine
// assumes nothing about the network until the platform reports in.
func NewMonitor(b *bus.Bus) *Monitor {
	return &Monitor{bus: b}
}

// Online returns the last reported connectivity state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records a state change reported by the platform network
// monitor. Repeated reports of the same state are no-ops.
func (m *Monitor) SetOnline(v bool) {
	if m.online.Swap(v) == v {
		return
	}
	kind := bus.KindNetOffline
	if v {
		kind = bus.KindNetOnline
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
