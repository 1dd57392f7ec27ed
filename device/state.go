package device

import "strconv"

// ConnectionState is the lifecycle state of the GATT link to the current peripheral.
type ConnectionState uint8

const (
	ConnectionUninitialized ConnectionState = iota
	ConnectionInitializing
	ConnectionConnected
	ConnectionDisconnected
	ConnectionAttemptFailed
	// Service discovery did not succeed; the link has been released.
	ConnectionDiscoveryFailed
)

func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionUninitialized:
		return "Uninitialized"
	case ConnectionInitializing:
		return "Initializing"
	case ConnectionConnected:
		return "Connected"
	case ConnectionDisconnected:
		return "Disconnected"
	case ConnectionAttemptFailed:
		return "ConnectionAttemptFailed"
	case ConnectionDiscoveryFailed:
		return "DiscoveryFailed"
	default:
		panic("Unknown connection state: " + strconv.Itoa(int(cs)))
	}
}

// HasLink reports whether a link object exists while in this state.
func (cs ConnectionState) HasLink() bool {
	return cs == ConnectionInitializing || cs == ConnectionConnected
}

// BondState mirrors the system-level pairing state of a peripheral.
type BondState uint8

const (
	BondUnchecked BondState = iota
	BondNone
	BondBonding
	BondBonded
)

func (bs BondState) String() string {
	switch bs {
	case BondUnchecked:
		return "Unchecked"
	case BondNone:
		return "None"
	case BondBonding:
		return "Bonding"
	case BondBonded:
		return "Bonded"
	default:
		panic("Unknown bond state: " + strconv.Itoa(int(bs)))
	}
}

// OtpState is derived from read outcomes: a read rejected for insufficient authentication
// means the OTP was not (or not yet) accepted, any successful read means it was.
type OtpState uint8

const (
	OtpNotVerified OtpState = iota
	OtpVerificationSucceeded
	OtpVerificationFailed
)

func (o OtpState) String() string {
	switch o {
	case OtpNotVerified:
		return "NotVerified"
	case OtpVerificationSucceeded:
		return "VerificationSucceeded"
	case OtpVerificationFailed:
		return "VerificationFailed"
	default:
		panic("Unknown OTP state: " + strconv.Itoa(int(o)))
	}
}
