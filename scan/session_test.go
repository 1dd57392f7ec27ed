package scan_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ble_mod "github.com/go-ble/ble"
	"github.com/robertof/insuflo-client/ble"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner delivers one queued batch per Scan call.
type fakeScanner struct {
	mu      sync.Mutex
	batches [][]ble.Advertisement
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeScanner) Scan(ctx context.Context, onAdvertisement func(ble.Advertisement)) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	var batch []ble.Advertisement
	if len(f.batches) > 0 {
		batch, f.batches = f.batches[0], f.batches[1:]
	}
	block := f.block
	f.mu.Unlock()

	if err != nil {
		return err
	}

	for _, a := range batch {
		onAdvertisement(a)
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	return nil
}

func (f *fakeScanner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func adv(name, addr string) FakeAdvertisement {
	return FakeAdvertisement{name: name, addr: ble_mod.NewAddr(addr)}
}

func newSession(scanner scan.Scanner) *scan.Session {
	s := scan.NewSession(scanner)
	s.ReportDelay = 50 * time.Millisecond
	return s
}

func waitIdle(t *testing.T, s *scan.Session) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Scanning() }, time.Second, time.Millisecond)
}

func addrs(ps []device.Peripheral) (out []string) {
	for _, p := range ps {
		out = append(out, p.Addr.String())
	}
	return out
}

func TestScanDeduplicatesAndAccumulates(t *testing.T) {
	scanner := &fakeScanner{batches: [][]ble.Advertisement{
		{
			adv("Insuflo-1", "aa:bb:cc:dd:ee:01"),
			adv("Insuflo-1", "AA:BB:CC:DD:EE:01"),
			adv("Insuflo-2", "aa:bb:cc:dd:ee:02"),
		},
		{
			adv("Insuflo-2", "aa:bb:cc:dd:ee:02"),
			adv("Insuflo-3", "aa:bb:cc:dd:ee:03"),
		},
	}}

	s := newSession(scanner)
	ch, release := s.Devices().Subscribe()
	defer release()

	s.StartScanning(context.Background())
	first := <-ch
	waitIdle(t, s)

	assert.Equal(t, []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"}, addrs(first))

	s.StartScanning(context.Background())
	second := <-ch
	waitIdle(t, s)

	assert.Equal(t, []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"}, addrs(second))
	assert.Equal(t, 2, scanner.Calls())
}

func TestScanIgnoresUnnamedDevices(t *testing.T) {
	scanner := &fakeScanner{batches: [][]ble.Advertisement{
		{adv("", "aa:bb:cc:dd:ee:01")},
		{adv("", "aa:bb:cc:dd:ee:01"), adv("", "aa:bb:cc:dd:ee:02")},
	}}

	s := newSession(scanner)

	for i := 0; i < 2; i++ {
		s.StartScanning(context.Background())
		waitIdle(t, s)
	}

	devices, ok := s.Devices().Value()
	require.True(t, ok)
	assert.Empty(t, devices)
}

func TestScanEmptyBatchDoesNotPublish(t *testing.T) {
	s := newSession(&fakeScanner{})

	s.StartScanning(context.Background())
	waitIdle(t, s)

	_, ok := s.Devices().Value()
	assert.False(t, ok)
}

func TestScanIsIdempotentWhileRunning(t *testing.T) {
	scanner := &fakeScanner{
		batches: [][]ble.Advertisement{{adv("Insuflo-1", "aa:bb:cc:dd:ee:01")}},
		block:   make(chan struct{}),
	}

	s := newSession(scanner)
	s.ReportDelay = time.Minute

	s.StartScanning(context.Background())
	s.StartScanning(context.Background())
	assert.True(t, s.Scanning())

	close(scanner.block)
	waitIdle(t, s)

	assert.Equal(t, 1, scanner.Calls())
}

func TestScanFailureIsNotRetried(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("adapter busy")}
	s := newSession(scanner)

	s.StartScanning(context.Background())
	waitIdle(t, s)

	assert.Equal(t, 1, scanner.Calls())

	_, ok := s.Devices().Value()
	assert.False(t, ok)
}

type FakeAdvertisement struct {
	name string
	addr ble_mod.Addr
}

func (f FakeAdvertisement) LocalName() string                 { return f.name }
func (f FakeAdvertisement) ManufacturerData() []byte           { return nil }
func (f FakeAdvertisement) ServiceData() []ble_mod.ServiceData { return nil }
func (f FakeAdvertisement) Services() []ble_mod.UUID           { return nil }
func (f FakeAdvertisement) OverflowService() []ble_mod.UUID    { return nil }
func (f FakeAdvertisement) TxPowerLevel() int                  { return 0 }
func (f FakeAdvertisement) Connectable() bool                  { return true }
func (f FakeAdvertisement) SolicitedService() []ble_mod.UUID   { return nil }
func (f FakeAdvertisement) RSSI() int                          { return -60 }
func (f FakeAdvertisement) Addr() ble_mod.Addr                 { return f.addr }
