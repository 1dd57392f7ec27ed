package session

import (
	"context"
	"net"

	"github.com/go-ble/ble"
)

// Link is the part of a GATT client a session drives. It is satisfied by ble.Client.
type Link interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	// Subscribe enables notifications locally and writes the client characteristic
	// configuration descriptor.
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
	// Disconnected is closed when the link goes away.
	Disconnected() <-chan struct{}
}

// Connector opens links to peripherals.
type Connector interface {
	Connect(ctx context.Context, addr net.HardwareAddr) (Link, error)
}

type ConnectorFunc func(ctx context.Context, addr net.HardwareAddr) (Link, error)

func (f ConnectorFunc) Connect(ctx context.Context, addr net.HardwareAddr) (Link, error) {
	return f(ctx, addr)
}

// BondRemover deletes the system-level bond record of a peripheral.
type BondRemover interface {
	RemoveBond(ctx context.Context, addr string) error
}
