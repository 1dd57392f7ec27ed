package session

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/insuflo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeLink is a peripheral that rejects reads until the expected OTP has been written.
type fakeLink struct {
	profile *ble.Profile
	otp     []byte
	// block reads until the link is closed.
	stall bool

	mu       sync.Mutex
	locked   bool
	writes   [][]byte
	noRsp    []bool
	notify   ble.NotificationHandler
	closed   chan struct{}
	closeOne sync.Once
}

func newFakeLink(profile *ble.Profile, otp int) *fakeLink {
	return &fakeLink{
		profile: profile,
		otp:     insuflo.EncodeOtp(otp),
		locked:  true,
		closed:  make(chan struct{}),
	}
}

func (l *fakeLink) DiscoverProfile(force bool) (*ble.Profile, error) {
	return l.profile, nil
}

func (l *fakeLink) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	if l.stall {
		<-l.closed
		return nil, context.Canceled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked {
		return nil, ble.ErrAuthentication
	}

	return insuflo.EncodeSamples([]float32{float32(c.UUID[0])}), nil
}

func (l *fakeLink) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writes = append(l.writes, value)
	l.noRsp = append(l.noRsp, noRsp)
	l.locked = !bytes.Equal(value, l.otp)

	return nil
}

func (l *fakeLink) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.notify = h

	return nil
}

func (l *fakeLink) handler() ble.NotificationHandler {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.notify
}

func (l *fakeLink) CancelConnection() error {
	l.drop()
	return nil
}

func (l *fakeLink) Disconnected() <-chan struct{} {
	return l.closed
}

func (l *fakeLink) drop() {
	l.closeOne.Do(func() { close(l.closed) })
}

func (l *fakeLink) written() ([][]byte, []bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([][]byte(nil), l.writes...), append([]bool(nil), l.noRsp...)
}

type fakeConnector struct {
	mu    sync.Mutex
	calls int
	fail  int
	link  *fakeLink
}

func (c *fakeConnector) Connect(ctx context.Context, addr net.HardwareAddr) (Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++

	if c.fail < 0 || c.calls <= c.fail {
		return nil, errDial
	}

	return c.link, nil
}

func (c *fakeConnector) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

type fakeBonds struct {
	removed chan string
}

func (b *fakeBonds) RemoveBond(ctx context.Context, addr string) error {
	b.removed <- addr
	return nil
}

func startSession(t *testing.T, connector Connector, bonds BondRemover, cfg Config) *Session {
	t.Helper()

	s := New(connector, bonds, cfg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s
}

func waitFor[T comparable](t *testing.T, ch <-chan T, want T) {
	t.Helper()

	timeout := time.After(waitTimeout)

	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "stream closed while waiting for %v", want)

			if v == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

func nextSample(t *testing.T, ch <-chan device.SampleBatch) device.SampleBatch {
	t.Helper()

	select {
	case b := <-ch:
		return b
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a sample")
	}

	return device.SampleBatch{}
}

func sendOtpEventually(t *testing.T, s *Session, code string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return s.SendOtp(code) == nil
	}, waitTimeout, 10*time.Millisecond)
}

func TestSessionReadsAfterOtp(t *testing.T) {
	link := newFakeLink(testProfile(), 1234)
	s := startSession(t, &fakeConnector{link: link}, nil, Config{})

	states, release := s.ConnectionStates().Subscribe()
	defer release()
	otps, releaseOtps := s.OtpStates().Subscribe()
	defer releaseOtps()
	samples, releaseSamples := s.Samples().Subscribe()
	defer releaseSamples()

	assert.ErrorIs(t, s.SendOtp("1234"), ErrDiscoveryIncomplete)

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	sendOtpEventually(t, s, "1234")
	waitFor(t, otps, device.OtpVerificationSucceeded)

	b := nextSample(t, samples)
	assert.Equal(t, insuflo.CharPumpStatus, b.Characteristic)
	assert.Equal(t, device.SampleSourceRead, b.Source)
	assert.Equal(t, []float32{float32(insuflo.CharPumpStatus[0])}, b.Values)

	writes, noRsp := link.written()
	assert.Equal(t, [][]byte{{0xd2, 0x04}}, writes)
	assert.Equal(t, []bool{true}, noRsp)
}

func TestSessionWrongOtp(t *testing.T) {
	link := newFakeLink(testProfile(), 1234)
	s := startSession(t, &fakeConnector{link: link}, nil, Config{})

	states, release := s.ConnectionStates().Subscribe()
	defer release()
	otps, releaseOtps := s.OtpStates().Subscribe()
	defer releaseOtps()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	sendOtpEventually(t, s, "4321")
	waitFor(t, otps, device.OtpVerificationFailed)

	require.NoError(t, s.SendOtp("1234"))
	waitFor(t, otps, device.OtpVerificationSucceeded)
}

func TestSessionInvalidOtp(t *testing.T) {
	s := startSession(t, &fakeConnector{fail: -1}, nil, Config{})

	assert.ErrorIs(t, s.SendOtp("12a4"), insuflo.ErrInvalidOtp)
}

func TestSessionConnectAttemptsExhausted(t *testing.T) {
	connector := &fakeConnector{fail: -1}
	s := startSession(t, connector, nil, Config{})

	states, release := s.ConnectionStates().Subscribe()
	defer release()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionAttemptFailed)

	assert.Equal(t, 6, connector.attempts())
}

func TestSessionRetriesUntilConnected(t *testing.T) {
	connector := &fakeConnector{fail: 3, link: newFakeLink(testProfile(), 1)}
	s := startSession(t, connector, nil, Config{})

	states, release := s.ConnectionStates().Subscribe()
	defer release()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	assert.Equal(t, 4, connector.attempts())
}

func TestSessionLinkDropped(t *testing.T) {
	link := newFakeLink(testProfile(), 1)
	s := startSession(t, &fakeConnector{link: link}, nil, Config{})

	states, release := s.ConnectionStates().Subscribe()
	defer release()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	link.drop()
	waitFor(t, states, device.ConnectionDisconnected)

	assert.ErrorIs(t, s.SendOtp("1"), ErrDiscoveryIncomplete)
}

func TestSessionOperationTimeout(t *testing.T) {
	link := newFakeLink(testProfile(), 1)
	link.stall = true

	s := startSession(t, &fakeConnector{link: link}, nil, Config{OperationTimeout: 50 * time.Millisecond})

	states, release := s.ConnectionStates().Subscribe()
	defer release()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	sendOtpEventually(t, s, "1")
	waitFor(t, states, device.ConnectionDisconnected)

	select {
	case <-link.Disconnected():
	case <-time.After(waitTimeout):
		t.Fatalf("stalled link was not released")
	}
}

func TestSessionNotifications(t *testing.T) {
	profile := testProfile()
	profile.Services = append(profile.Services,
		service(insuflo.ServiceEvents, char(insuflo.CharNotify, ble.CharNotify)))

	link := newFakeLink(profile, 7)
	s := startSession(t, &fakeConnector{link: link}, nil, Config{})

	states, release := s.ConnectionStates().Subscribe()
	defer release()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	sendOtpEventually(t, s, "7")

	require.Eventually(t, func() bool {
		return link.handler() != nil
	}, waitTimeout, 10*time.Millisecond)

	samples, releaseSamples := s.Samples().Subscribe()
	defer releaseSamples()

	link.handler()(insuflo.EncodeSamples([]float32{3.5}))

	b := nextSample(t, samples)
	assert.Equal(t, device.SampleSourceNotification, b.Source)
	assert.Equal(t, insuflo.CharNotify, b.Characteristic)
	assert.Equal(t, []float32{3.5}, b.Values)
}

func TestSessionDisconnectAndReconnect(t *testing.T) {
	connector := &fakeConnector{link: newFakeLink(testProfile(), 1)}
	s := startSession(t, connector, nil, Config{})

	assert.ErrorIs(t, s.Reconnect(), ErrNoPeripheral)

	states, release := s.ConnectionStates().Subscribe()
	defer release()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	s.Disconnect()
	waitFor(t, states, device.ConnectionDisconnected)

	connector.mu.Lock()
	connector.link = newFakeLink(testProfile(), 1)
	connector.mu.Unlock()

	require.NoError(t, s.Reconnect())
	waitFor(t, states, device.ConnectionConnected)
	assert.Equal(t, 2, connector.attempts())
}

func TestSessionUnpair(t *testing.T) {
	bonds := &fakeBonds{removed: make(chan string, 1)}
	s := startSession(t, &fakeConnector{link: newFakeLink(testProfile(), 1)}, bonds, Config{})

	states, release := s.ConnectionStates().Subscribe()
	defer release()

	s.StartReceiving(testPeripheral(t))
	waitFor(t, states, device.ConnectionConnected)

	s.Unpair()
	waitFor(t, states, device.ConnectionDisconnected)

	select {
	case addr := <-bonds.removed:
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", addr)
	case <-time.After(waitTimeout):
		t.Fatalf("bond was not removed")
	}
}

func TestSessionClosedAfterRun(t *testing.T) {
	s := New(&fakeConnector{fail: -1}, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Run(ctx))
	assert.ErrorIs(t, s.Reconnect(), ErrSessionClosed)
}
