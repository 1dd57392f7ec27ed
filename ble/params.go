package ble

import (
	"fmt"
	"slices"

	"github.com/go-ble/ble/linux/hci/cmd"
)

type ConnParams string

const (
	ConnParamsDefault     ConnParams = "default"
	ConnParamsPowerSaving ConnParams = "power-saving"
)

// *flag.Value
func (c *ConnParams) String() string {
	return string(*c)
}

func (c *ConnParams) Set(v string) error {
	return setEnum(c, v, ConnParamsDefault, []ConnParams{ConnParamsDefault, ConnParamsPowerSaving})
}

func (c ConnParams) AdapterOptions() cmd.LECreateConnection {
	p := cmd.LECreateConnection{
		LEScanInterval:        0x0004,    // 0x0004 - 0x4000; N * 0.625 msec
		LEScanWindow:          0x0004,    // 0x0004 - 0x4000; N * 0.625 msec
		InitiatorFilterPolicy: 0x00,      // White list is not used
		PeerAddressType:       0x00,      // Public Device Address
		PeerAddress:           [6]byte{}, //
		OwnAddressType:        0x00,      // Public Device Address
		ConnIntervalMin:       0x0006,    // 0x0006 - 0x0C80; N * 1.25 msec
		ConnIntervalMax:       0x0006,    // 0x0006 - 0x0C80; N * 1.25 msec
		ConnLatency:           0x0000,    // 0x0000 - 0x01F3; N * 1.25 msec
		SupervisionTimeout:    0x0048,    // 0x000A - 0x0C80; N * 10 msec
		MinimumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
		MaximumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
	}

	switch c {
	case ConnParamsDefault:
		break
	case ConnParamsPowerSaving:
		// the pump is polled continuously, so keep latency low but stretch the interval.
		// - interval max * (latency + 1) <= 1/2 supervision timeout
		p.ConnIntervalMin    = 0x0050 // 100ms
		p.ConnIntervalMax    = 0x0050 // 100ms
		p.ConnLatency        = 0x0004 // 4
		p.SupervisionTimeout = 0x0190 // 4s
	default:
		panic("unknown Bluetooth connection param: " + c)
	}

	return p
}

// ScanMode selects the scan duty cycle, mirroring the usual mobile presets.
type ScanMode string

const (
	ScanModeLowPower   ScanMode = "low-power"
	ScanModeBalanced   ScanMode = "balanced"
	ScanModeLowLatency ScanMode = "low-latency"
)

func (s *ScanMode) String() string {
	return string(*s)
}

func (s *ScanMode) Set(v string) error {
	return setEnum(s, v, ScanModeBalanced, []ScanMode{ScanModeLowPower, ScanModeBalanced, ScanModeLowLatency})
}

func (s ScanMode) AdapterOptions(t scanType) cmd.LESetScanParameters {
	p := cmd.LESetScanParameters{
		LEScanType:           uint8(t), // 0x00: passive, 0x01: active
		OwnAddressType:       0x00,     // 0x00: public, 0x01: random
		ScanningFilterPolicy: 0x00,     // 0x00: accept all
	}

	// 0x0004 - 0x4000; N * 0.625msec
	switch s {
	case ScanModeLowPower:
		p.LEScanInterval = 0x2000 // 5.12s
		p.LEScanWindow   = 0x0333 // 512ms
	case ScanModeBalanced:
		p.LEScanInterval = 0x1999 // 4.096s
		p.LEScanWindow   = 0x0666 // 1.024s
	case ScanModeLowLatency:
		p.LEScanInterval = 0x1999
		p.LEScanWindow   = 0x1999
	default:
		panic("unknown Bluetooth scan mode: " + s)
	}

	return p
}

func setEnum[T ~string](dst *T, v string, def T, all []T) error {
	if v == "" {
		*dst = def
		return nil
	}

	p := T(v)

	if !slices.Contains(all, p) {
		return fmt.Errorf("unknown value %v (must be one of %v)", p, all)
	}

	*dst = p
	return nil
}
