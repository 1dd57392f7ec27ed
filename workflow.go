package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robertof/insuflo-client/bond"
	"github.com/robertof/insuflo-client/collector"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/session"
)

// Pairer initiates system pairing and reports the current pairing state of a device.
type Pairer interface {
	BondState(addr string) (device.BondState, error)
	Pair(ctx context.Context, addr string) error
}

// workflow bonds with the pump if needed, starts receiving once bonded and submits the OTP as
// soon as the link accepts it.
type workflow struct {
	peripheral device.Peripheral
	pairer Pairer
	monitor *bond.Monitor
	session *session.Session

	otp string
	retry collector.RetryOptions
	settleDelay time.Duration
}

func (w *workflow) run(ctx context.Context) error {
	bondStates, releaseBonds := w.monitor.BondStates().Subscribe()
	defer releaseBonds()

	if err := w.monitor.Watch(w.peripheral); err != nil {
		return err
	}

	if err := w.ensureBonded(ctx, bondStates); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(w.settleDelay):
	}

	connStates, releaseConns := w.session.ConnectionStates().Subscribe()
	defer releaseConns()

	otpStates, releaseOtps := w.session.OtpStates().Subscribe()
	defer releaseOtps()

	w.session.StartReceiving(w.peripheral)

	if w.otp != "" {
		if err := collector.SendOtpWithOptions(ctx, w.session, w.otp, w.retry); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to submit OTP: %w", err)
		}
	} else {
		log.Warn().Msg("No OTP provided, reads will only succeed if the pump does not require one")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-connStates:
			if !ok {
				return nil
			}

			switch state {
			case device.ConnectionAttemptFailed, device.ConnectionDiscoveryFailed:
				log.Error().Stringer("Device", w.peripheral).Stringer("State", state).Msg("Unable to talk to the pump")
			case device.ConnectionDisconnected:
				log.Warn().Stringer("Device", w.peripheral).Msg("Pump disconnected")
			}
		case state, ok := <-otpStates:
			if !ok {
				return nil
			}

			if state == device.OtpVerificationFailed {
				log.Error().Msg("The pump rejected the OTP - restart with the code currently shown by the pump")
			}
		case state := <-bondStates:
			if state == device.BondNone {
				log.Warn().Stringer("Device", w.peripheral).Msg("Pump is no longer bonded")
			}
		}
	}
}

// ensureBonded pairs with the pump unless the system already holds a bond for it, then waits
// until the bond is reported.
func (w *workflow) ensureBonded(ctx context.Context, states <-chan device.BondState) error {
	addr := w.peripheral.Addr.String()

	current, err := w.pairer.BondState(addr)
	if err != nil {
		log.Warn().Err(err).Msg("Unable to query pairing state, attempting to pair")
	}

	if current == device.BondBonded {
		log.Info().Stringer("Device", w.peripheral).Msg("Pump already bonded")
		return nil
	}

	log.Info().Stringer("Device", w.peripheral).Msg("Pairing with pump - confirm on the pump if requested")

	// a bond event may win over the pairing call, which is then abandoned.
	pairCtx, cancelPair := context.WithCancel(ctx)
	defer cancelPair()

	paired := make(chan error, 1)

	go func() {
		err := w.pairer.Pair(pairCtx, addr)
		if err != nil && pairCtx.Err() != nil {
			log.Debug().Err(err).Msg("Pairing call abandoned")
		}

		paired <- err
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-paired:
			if err != nil {
				return fmt.Errorf("failed to pair with %v: %w", w.peripheral, err)
			}

			// the signal may have been delivered before we subscribed.
			if state, err := w.pairer.BondState(addr); err == nil && state == device.BondBonded {
				return nil
			}
		case state := <-states:
			if state == device.BondBonded {
				return nil
			}
		}
	}
}
