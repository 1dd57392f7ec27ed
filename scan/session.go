// Package scan discovers nearby named peripherals, one scan batch at a time.
package scan

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/robertof/insuflo-client/ble"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/stream"
	"github.com/robertof/insuflo-client/utils"
	"github.com/rs/zerolog/log"
)

const DefaultReportDelay = 5 * time.Second

// Scanner reports advertisements until the context is done.
type Scanner interface {
	Scan(ctx context.Context, onAdvertisement func(ble.Advertisement)) error
}

// Session accumulates the named peripherals seen across scans. A scan stops on its own after
// delivering a single batch.
type Session struct {
	// How long advertisements are collected before being delivered as a batch.
	ReportDelay time.Duration

	scanner Scanner
	devices *stream.Stream[[]device.Peripheral]

	mu       sync.Mutex
	scanning bool
	found    []device.Peripheral
	cancel   context.CancelFunc
}

func NewSession(scanner Scanner) *Session {
	return &Session{
		ReportDelay: DefaultReportDelay,
		scanner:     scanner,
		devices:     stream.NewReplay[[]device.Peripheral](),
	}
}

// Devices streams the accumulated peripherals after every non-empty batch, replaying the
// latest set to new subscribers.
func (s *Session) Devices() *stream.Stream[[]device.Peripheral] {
	return s.devices
}

func (s *Session) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scanning
}

// StartScanning starts a scan in the background. It is a no-op while a scan is running.
func (s *Session) StartScanning(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanning {
		log.Trace().Msg("scan: scan already in progress")
		return
	}

	s.scanning = true

	scanCtx, cancel := context.WithTimeout(ctx, s.ReportDelay)
	s.cancel = cancel

	log.Debug().Dur("ReportDelay", s.ReportDelay).Msg("scan: starting scan")

	go s.run(scanCtx, cancel)
}

// StopScanning aborts a running scan; the advertisements collected so far are still delivered.
func (s *Session) StopScanning() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	var (
		batchMu sync.Mutex
		batch   []ble.Advertisement
	)

	err := s.scanner.Scan(ctx, func(a ble.Advertisement) {
		batchMu.Lock()
		defer batchMu.Unlock()

		batch = append(batch, a)
	})

	if err != nil {
		log.Error().Err(err).Msg("scan: failed to scan for devices")
		s.stop()
		return
	}

	batchMu.Lock()
	results := batch
	batchMu.Unlock()

	s.onBatch(results)
}

func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scanning = false
	s.cancel = nil
}

func (s *Session) onBatch(results []ble.Advertisement) {
	if len(results) == 0 {
		log.Debug().Msg("scan: batch carried no results")
		s.stop()
		return
	}

	s.mu.Lock()

	for _, a := range results {
		name := a.LocalName()

		if name == "" || a.Addr() == nil {
			continue
		}

		if s.known(a.Addr().String()) {
			continue
		}

		addr, err := net.ParseMAC(a.Addr().String())
		if err != nil {
			log.Warn().Err(err).Str("Addr", a.Addr().String()).Msg("scan: skipping device with invalid address")
			continue
		}

		p := device.NewPeripheral(name, addr)
		s.found = append(s.found, p)

		log.Debug().Stringer("Device", p).Msg("scan: found new device")
	}

	found := make([]device.Peripheral, len(s.found))
	copy(found, s.found)

	s.scanning = false
	s.cancel = nil
	s.mu.Unlock()

	log.Info().
		Array("Devices", utils.ToZeroLogArray(found)).
		Int("BatchSize", len(results)).
		Msg("scan: publishing discovered devices")

	s.devices.Publish(found)
}

// known must be called with mu held.
func (s *Session) known(addr string) bool {
	for _, p := range s.found {
		if p.SameAddr(addr) {
			return true
		}
	}

	return false
}
