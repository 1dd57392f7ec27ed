package session

import "errors"

var (
	// ErrDiscoveryIncomplete is returned when a command needs the discovered GATT profile but
	// the link is not connected or discovery has not finished yet.
	ErrDiscoveryIncomplete = errors.New("service discovery has not completed")

	ErrNoPeripheral                = errors.New("no peripheral recorded")
	ErrOtpCharacteristicMissing    = errors.New("otp characteristic not found in discovered profile")
	ErrNotifyCharacteristicMissing = errors.New("notify characteristic not found in discovered profile")
	ErrNotNotifiable               = errors.New("characteristic does not support notifications")
	ErrOperationTimeout            = errors.New("gatt operation timed out")
	ErrSessionClosed               = errors.New("session closed")
)
