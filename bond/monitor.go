// Package bond tracks the system-level pairing state of the target peripheral.
package bond

import (
	"context"
	"fmt"

	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/stream"
	"github.com/rs/zerolog/log"
)

// Event is a pairing state change reported by the system for one device.
type Event struct {
	Addr  string
	State device.BondState
}

func (e Event) String() string {
	return fmt.Sprintf("bond[addr=%v, state=%v]", e.Addr, e.State)
}

// Source delivers system pairing events. Every call to Events registers an independent
// subscription that ends when ctx is done.
type Source interface {
	Events(ctx context.Context) (<-chan Event, error)
}

// Monitor republishes the pairing events of watched peripherals as a BondState stream.
type Monitor struct {
	ctx    context.Context
	source Source
	states *stream.Stream[device.BondState]
}

// NewMonitor returns a monitor whose observers live until ctx is done.
func NewMonitor(ctx context.Context, source Source) *Monitor {
	return &Monitor{
		ctx:    ctx,
		source: source,
		states: stream.NewLatest(device.BondUnchecked),
	}
}

func (m *Monitor) BondStates() *stream.Stream[device.BondState] {
	return m.states
}

// Watch registers an observer for the pairing events of p. Repeated calls register additional
// observers.
func (m *Monitor) Watch(p device.Peripheral) error {
	events, err := m.source.Events(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to pairing events: %w", err)
	}

	log.Debug().Stringer("Device", p).Msg("bond: watching pairing state")

	go func() {
		for ev := range events {
			if !p.SameAddr(ev.Addr) {
				log.Trace().Stringer("Event", ev).Msg("bond: ignoring event for unrelated device")
				continue
			}

			log.Info().
				Stringer("Device", p).
				Stringer("BondState", ev.State).
				Msg("bond: pairing state changed")

			m.states.Publish(ev.State)
		}
	}()

	return nil
}
