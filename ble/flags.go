package ble

import (
	"strconv"
	"strings"
)

type Flags int

const (
	// Run active scans rather than passive scans (requesting scan responses, which usually carry
	// the device name).
	FlagScanTypeActive Flags = 1 << iota
	// Report every advertisement rather than only the first one per device.
	FlagAllowDuplicates
)

func (f Flags) String() string {
	var flags []string

	if f & FlagScanTypeActive == FlagScanTypeActive {
		flags = append(flags, "active scan")
	}

	if f & FlagAllowDuplicates == FlagAllowDuplicates {
		flags = append(flags, "duplicate advertisements")
	}

	if len(flags) == 0 {
		return "none"
	}

	return strings.Join(flags, ", ")
}

type scanType uint8

const (
	scanTypePassive scanType = iota
	scanTypeActive
)

func (s scanType) String() string {
	switch s {
	case scanTypeActive:
		return "Active"
	case scanTypePassive:
		return "Passive"
	default:
		panic("unknown scanType value: " + strconv.Itoa(int(s)))
	}
}
