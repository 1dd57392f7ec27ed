package bond

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/robertof/insuflo-client/device"
	"github.com/rs/zerolog/log"
)

const (
	bluezBusName            = "org.bluez"
	bluezAdapterInterface   = "org.bluez.Adapter1"
	bluezDeviceInterface    = "org.bluez.Device1"
	bluezObjectPath         = "/org/bluez"
	propertiesInterface     = "org.freedesktop.DBus.Properties"
	propertiesChangedMember = "PropertiesChanged"
	unknownObjectError      = "org.freedesktop.DBus.Error.UnknownObject"
)

// BlueZ reads and changes the bond records kept by bluetoothd over the system bus.
type BlueZ struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath

	mu    sync.Mutex
	local map[chan Event]struct{}
}

// NewBlueZ connects to the system bus and binds to adapter hci<adapterID>.
func NewBlueZ(adapterID int) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}

	return NewBlueZWithConn(conn, adapterID), nil
}

func NewBlueZWithConn(conn *dbus.Conn, adapterID int) *BlueZ {
	return &BlueZ{
		conn:    conn,
		adapter: adapterPath(adapterID),
		local:   make(map[chan Event]struct{}),
	}
}

func adapterPath(adapterID int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/hci%d", bluezObjectPath, adapterID))
}

func (b *BlueZ) devicePath(addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// addrFromPath extracts the MAC address from a BlueZ device object path.
func addrFromPath(path dbus.ObjectPath) (string, bool) {
	idx := strings.LastIndex(string(path), "/dev_")
	if idx < 0 {
		return "", false
	}

	addr := strings.ReplaceAll(string(path)[idx+len("/dev_"):], "_", ":")

	if len(addr) != len("00:00:00:00:00:00") {
		return "", false
	}

	return addr, true
}

func bondStateOf(paired bool) device.BondState {
	if paired {
		return device.BondBonded
	}

	return device.BondNone
}

// parseSignal turns a Device1 PropertiesChanged signal touching the pairing state into an
// Event.
func parseSignal(sig *dbus.Signal) (Event, bool) {
	if sig == nil || sig.Name != propertiesInterface+"."+propertiesChangedMember || len(sig.Body) < 2 {
		return Event{}, false
	}

	if iface, ok := sig.Body[0].(string); !ok || iface != bluezDeviceInterface {
		return Event{}, false
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Event{}, false
	}

	addr, ok := addrFromPath(sig.Path)
	if !ok {
		return Event{}, false
	}

	// newer bluetoothd versions distinguish bonded (keys stored) from paired devices.
	for _, prop := range []string{"Bonded", "Paired"} {
		if v, ok := changed[prop]; ok {
			if paired, ok := v.Value().(bool); ok {
				return Event{Addr: addr, State: bondStateOf(paired)}, true
			}
		}
	}

	return Event{}, false
}

func (b *BlueZ) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember(propertiesChangedMember),
		dbus.WithMatchArg(0, bluezDeviceInterface),
	}
}

func (b *BlueZ) Events(ctx context.Context) (<-chan Event, error) {
	if err := b.conn.AddMatchSignal(b.matchOptions()...); err != nil {
		return nil, fmt.Errorf("failed to add match signal: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)

	local := make(chan Event, 4)
	b.mu.Lock()
	b.local[local] = struct{}{}
	b.mu.Unlock()

	out := make(chan Event, 16)

	go func() {
		defer close(out)

		defer func() {
			b.conn.RemoveSignal(signals)

			if err := b.conn.RemoveMatchSignal(b.matchOptions()...); err != nil {
				log.Debug().Err(err).Msg("bond: failed to remove match signal")
			}

			b.mu.Lock()
			delete(b.local, local)
			b.mu.Unlock()
		}()

		for {
			var ev Event

			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}

				if ev, ok = parseSignal(sig); !ok {
					continue
				}
			case ev = <-local:
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// emitLocal reports state changes bluetoothd does not signal, such as a pairing in progress.
func (b *BlueZ) emitLocal(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.local {
		select {
		case ch <- ev:
		default:
			log.Warn().Stringer("Event", ev).Msg("bond: dropping local pairing event")
		}
	}
}

// BondState queries the current pairing state of a device.
func (b *BlueZ) BondState(addr string) (device.BondState, error) {
	v, err := b.conn.Object(bluezBusName, b.devicePath(addr)).GetProperty(bluezDeviceInterface + ".Paired")

	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == unknownObjectError {
		// bluetoothd has never seen the device.
		return device.BondNone, nil
	}

	if err != nil {
		return device.BondUnchecked, errors.Wrapf(err, "failed to read pairing state of %v", addr)
	}

	paired, ok := v.Value().(bool)
	if !ok {
		return device.BondUnchecked, fmt.Errorf("unexpected Paired property type %T", v.Value())
	}

	return bondStateOf(paired), nil
}

// Pair starts pairing with the device and blocks until bluetoothd completes it.
func (b *BlueZ) Pair(ctx context.Context, addr string) error {
	b.emitLocal(Event{Addr: addr, State: device.BondBonding})

	call := b.conn.Object(bluezBusName, b.devicePath(addr)).
		CallWithContext(ctx, bluezDeviceInterface+".Pair", 0)

	if call.Err != nil {
		b.emitLocal(Event{Addr: addr, State: device.BondNone})
		return errors.Wrapf(call.Err, "failed to pair with %v", addr)
	}

	return nil
}

// RemoveBond deletes the bond record (and the cached device) from bluetoothd.
func (b *BlueZ) RemoveBond(ctx context.Context, addr string) error {
	call := b.conn.Object(bluezBusName, b.adapter).
		CallWithContext(ctx, bluezAdapterInterface+".RemoveDevice", 0, b.devicePath(addr))

	if call.Err != nil {
		return errors.Wrapf(call.Err, "failed to remove bond for %v", addr)
	}

	return nil
}
