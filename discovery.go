package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/insuflo-client/ble"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/scan"
)

// loggingScanner logs the details of every advertisement before handing it to the scan session.
type loggingScanner struct {
	scan.Scanner
}

func (s loggingScanner) Scan(ctx context.Context, onAdvertisement func(ble.Advertisement)) error {
	return s.Scanner.Scan(ctx, func(a ble.Advertisement) {
		services := make(map[string]bool)

		for _, uuid := range a.Services() {
			services[uuid.String()] = true
		}

		log.Debug().
			Str("Addr", a.Addr().String()).
			Str("Name", a.LocalName()).
			Bool("Connectable", a.Connectable()).
			Strs("Services", maps.Keys(services)).
			Hex("ManufacturerData", a.ManufacturerData()).
			Msg("Received device advertisement")

		onAdvertisement(a)
	})
}

func doDeviceDiscovery(cfg config) {
	log.Info().
		Dur("ReportDelay", cfg.ReportDelay).
		Stringer("ScanMode", &cfg.ScanMode).
		Msg("Starting in device discovery mode - collecting devices for one scan batch...")

	handle, err := ble.InitWithParams(
		cfg.BluetoothDeviceId,
		cfg.ScanMode,
		cfg.BluetoothConnParams,
		ble.FlagScanTypeActive,
	)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	defer handle.Stop()

	ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))

	session := scan.NewSession(loggingScanner{handle})
	session.ReportDelay = cfg.ReportDelay

	devices, release := session.Devices().Subscribe()
	defer release()

	session.StartScanning(ctx)

	found := discoverOnce(ctx, session, devices)

	log.Info().Int("Found", len(found)).Msg("Finished device discovery")

	for _, p := range found {
		log.Info().
			Str("Addr", p.Addr.String()).
			Str("Name", p.Name).
			Msgf("Found device - use it with `-device addr=%v,name=%v`", p.Addr, p.Name)
	}
}

// discoverOnce waits for the running scan batch to finish and returns what it found.
func discoverOnce(
	ctx context.Context,
	session *scan.Session,
	devices <-chan []device.Peripheral,
) []device.Peripheral {
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			session.StopScanning()
			return nil
		case found := <-devices:
			return found
		case <-poll.C:
			// empty batches are not published.
			if !session.Scanning() {
				select {
				case found := <-devices:
					return found
				default:
					return nil
				}
			}
		}
	}
}
