package device

import (
	"fmt"
	"net"
	"strings"
)

// Peripheral identifies a discovered (or configured) BLE device. Two peripherals are the same
// device when their hardware addresses match.
type Peripheral struct {
	ID   string
	Name string
	Addr net.HardwareAddr
}

func NewPeripheral(name string, addr net.HardwareAddr) Peripheral {
	return Peripheral{
		ID:   strings.ToLower(addr.String()),
		Name: name,
		Addr: addr,
	}
}

// ParsePeripheral builds a peripheral from a textual MAC address, as reported by BLE
// advertisements or BlueZ.
func ParsePeripheral(name, addr string) (Peripheral, error) {
	hwAddr, err := net.ParseMAC(addr)
	if err != nil {
		return Peripheral{}, fmt.Errorf("invalid addr: %w", err)
	}

	return NewPeripheral(name, hwAddr), nil
}

// FromDeviceSpec builds the target peripheral from a `-device` spec.
func FromDeviceSpec(spec DeviceSpec) (Peripheral, error) {
	if err := spec.Validate(); err != nil {
		return Peripheral{}, err
	}

	addr := spec.Addr()
	name := spec.Name()

	if name == "" {
		name = "insuflo-" + strings.ToLower(strings.ReplaceAll(addr, ":", ""))
	}

	return ParsePeripheral(name, addr)
}

// SameAddr compares the peripheral address with a textual one, ignoring case.
func (p Peripheral) SameAddr(addr string) bool {
	return p.Addr != nil && strings.EqualFold(p.Addr.String(), addr)
}

func (p Peripheral) String() string {
	return fmt.Sprintf("insuflo[name=%q, addr=%v]", p.Name, p.Addr.String())
}
