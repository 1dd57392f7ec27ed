package session

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/insuflo"
	"github.com/robertof/insuflo-client/utils"
	"github.com/rs/zerolog/log"
)

// Events handled by the machine. Completions carry the generation of the link they were issued
// on and are dropped once that link is gone.
type event interface{}

type (
	startReceiving struct{ peripheral device.Peripheral }
	reconnect      struct{}
	disconnect     struct{}
	unpair         struct{}
	sendOtp        struct{ value int }
	setReading     struct{ enabled bool }

	linkEstablished struct {
		gen  uint64
		link Link
		err  error
	}
	linkClosed struct{ gen uint64 }
	discovered struct {
		gen     uint64
		profile *ble.Profile
		err     error
	}
	readCompleted struct {
		gen  uint64
		char *ble.Characteristic
		data []byte
		err  error
		at   time.Time
	}
	writeCompleted struct {
		gen uint64
		err error
	}
	subscribed struct {
		gen uint64
		err error
	}
	notified struct {
		gen  uint64
		char ble.UUID
		data []byte
		at   time.Time
	}
	operationTimedOut struct {
		gen uint64
		op  string
	}
)

// Effects requested by the machine, applied in order by the session.
type effect interface{}

type (
	publishConnection struct{ state device.ConnectionState }
	publishOtp        struct{ state device.OtpState }
	publishSample     struct {
		batch   device.SampleBatch
		payload []byte
	}
	dial struct {
		gen        uint64
		peripheral device.Peripheral
	}
	closeLink struct{ gen uint64 }
	discover  struct{ gen uint64 }
	read      struct {
		gen  uint64
		char *ble.Characteristic
	}
	write struct {
		gen   uint64
		char  *ble.Characteristic
		value []byte
		noRsp bool
	}
	subscribe struct {
		gen  uint64
		char *ble.Characteristic
	}
	removeBond struct{ peripheral device.Peripheral }
)

type notifyState uint8

const (
	notifyIdle notifyState = iota
	notifyPending
	notifyActive
	notifyFailed
)

// machine holds the connection lifecycle. It performs no I/O: every transition returns the
// effects the session has to carry out.
type machine struct {
	cfg      Config
	registry *insuflo.Registry

	state      device.ConnectionState
	otp        device.OtpState
	peripheral *device.Peripheral
	attempt    int
	reading    bool

	// generation of the current link; bumped whenever a link is requested or released.
	gen        uint64
	profile    *ble.Profile
	discovered bool
	cursor     cursor
	// a read or subscription is outstanding.
	pending bool
	notify  notifyState
}

func newMachine(cfg Config) *machine {
	return &machine{
		cfg:      cfg,
		registry: cfg.Registry,
		state:    device.ConnectionUninitialized,
		otp:      device.OtpNotVerified,
		reading:  true,
	}
}

func (m *machine) handle(ev event) ([]effect, error) {
	switch ev := ev.(type) {
	case startReceiving:
		return m.startReceiving(ev.peripheral), nil
	case reconnect:
		if m.peripheral == nil {
			return nil, ErrNoPeripheral
		}

		return m.startReceiving(*m.peripheral), nil
	case disconnect:
		return m.disconnect(), nil
	case unpair:
		effects := m.disconnect()

		if m.peripheral != nil {
			effects = append(effects, removeBond{peripheral: *m.peripheral})
		}

		return effects, nil
	case sendOtp:
		return m.sendOtp(ev.value)
	case setReading:
		m.reading = ev.enabled

		if !m.reading {
			return nil, nil
		}

		return m.readNext(), nil
	case linkEstablished:
		return m.onLinkEstablished(ev), nil
	case linkClosed:
		if !m.current(ev.gen) {
			return nil, nil
		}

		log.Info().Stringer("Device", m.peripheral).Msg("session: link closed by peripheral")

		return m.teardown(device.ConnectionDisconnected), nil
	case discovered:
		return m.onDiscovered(ev), nil
	case readCompleted:
		return m.onRead(ev), nil
	case writeCompleted:
		return m.onWrite(ev), nil
	case subscribed:
		return m.onSubscribed(ev), nil
	case notified:
		if !m.current(ev.gen) {
			return nil, nil
		}

		return []effect{m.sample(ev.char, ev.data, device.SampleSourceNotification, ev.at)}, nil
	case operationTimedOut:
		if !m.current(ev.gen) {
			return nil, nil
		}

		log.Warn().
			Str("Operation", ev.op).
			Dur("Timeout", m.cfg.OperationTimeout).
			Err(ErrOperationTimeout).
			Msg("session: tearing down unresponsive link")

		return m.teardown(device.ConnectionDisconnected), nil
	default:
		panic(fmt.Sprintf("unexpected session event %T", ev))
	}
}

// current reports whether a completion belongs to the live link.
func (m *machine) current(gen uint64) bool {
	return gen == m.gen && m.state.HasLink()
}

func (m *machine) startReceiving(p device.Peripheral) []effect {
	if m.state.HasLink() {
		log.Debug().
			Stringer("Device", p).
			Stringer("State", m.state).
			Msg("session: link already exists, ignoring start request")

		return nil
	}

	m.peripheral = &p
	m.attempt = 1

	return m.connect()
}

func (m *machine) connect() []effect {
	stale := m.gen
	m.gen++
	m.state = device.ConnectionInitializing
	m.resetLink()

	return []effect{
		closeLink{gen: stale},
		publishConnection{state: m.state},
		dial{gen: m.gen, peripheral: *m.peripheral},
	}
}

func (m *machine) onLinkEstablished(ev linkEstablished) []effect {
	if ev.gen != m.gen || m.state != device.ConnectionInitializing {
		if ev.err == nil {
			// nobody is waiting for this link anymore.
			return []effect{closeLink{gen: ev.gen}}
		}

		return nil
	}

	if ev.err != nil {
		if m.attempt <= m.cfg.MaxAttempts {
			log.Warn().
				Err(ev.err).
				Stringer("Device", m.peripheral).
				Int("Attempt", m.attempt).
				Int("MaxAttempts", m.cfg.MaxAttempts).
				Msg("session: connection attempt failed, retrying")

			m.attempt++

			return m.connect()
		}

		log.Error().
			Err(ev.err).
			Stringer("Device", m.peripheral).
			Int("Attempt", m.attempt).
			Msg("session: connection attempts exhausted")

		m.state = device.ConnectionAttemptFailed

		return []effect{publishConnection{state: m.state}}
	}

	m.state = device.ConnectionConnected

	log.Info().Stringer("Device", m.peripheral).Msg("session: connected, discovering services")

	return []effect{
		publishConnection{state: m.state},
		discover{gen: m.gen},
	}
}

func (m *machine) onDiscovered(ev discovered) []effect {
	if !m.current(ev.gen) || m.state != device.ConnectionConnected {
		return nil
	}

	if ev.err != nil {
		log.Error().Err(ev.err).Stringer("Device", m.peripheral).Msg("session: service discovery failed")
		return m.teardown(device.ConnectionDiscoveryFailed)
	}

	m.profile = ev.profile
	m.discovered = true
	m.cursor = buildCursor(m.profile, m.registry)

	log.Info().
		Int("Services", len(m.profile.Services)).
		Strs("Readable", m.cursor.uuids()).
		Msg("session: service discovery completed")

	return nil
}

// teardown releases the link and moves to a state without one.
func (m *machine) teardown(state device.ConnectionState) []effect {
	released := m.gen
	m.gen++
	m.state = state
	m.resetLink()

	return []effect{
		closeLink{gen: released},
		publishConnection{state: state},
	}
}

func (m *machine) resetLink() {
	m.profile = nil
	m.discovered = false
	m.cursor.clear()
	m.pending = false
	m.notify = notifyIdle
}

func (m *machine) disconnect() []effect {
	if !m.state.HasLink() {
		log.Debug().Stringer("State", m.state).Msg("session: no link to disconnect")
		return nil
	}

	log.Info().Stringer("Device", m.peripheral).Msg("session: disconnecting")

	return m.teardown(device.ConnectionDisconnected)
}

func (m *machine) sendOtp(value int) ([]effect, error) {
	if m.state != device.ConnectionConnected || !m.discovered {
		return nil, ErrDiscoveryIncomplete
	}

	c := m.findCharacteristic(m.registry.OtpService, m.registry.OtpCharacteristic)
	if c == nil {
		return nil, ErrOtpCharacteristicMissing
	}

	noRsp := c.Property&ble.CharWriteNR != 0

	log.Debug().
		Stringer("Characteristic", c.UUID).
		Bool("NoResponse", noRsp).
		Msg("session: writing otp")

	return []effect{write{
		gen:   m.gen,
		char:  c,
		value: insuflo.EncodeOtp(value),
		noRsp: noRsp,
	}}, nil
}

func (m *machine) onWrite(ev writeCompleted) []effect {
	if !m.current(ev.gen) || !m.discovered {
		return nil
	}

	if ev.err != nil {
		log.Warn().Err(ev.err).Msg("session: otp write failed")
	}

	m.cursor = buildCursor(m.profile, m.registry)

	return m.readNext()
}

// readNext issues the read at the cursor position. Once every characteristic has been read
// once it switches to the notify characteristic, and keeps polling only when configured to or
// when notifications are unavailable.
func (m *machine) readNext() []effect {
	if m.state != device.ConnectionConnected || !m.discovered || m.pending {
		return nil
	}

	if m.cursor.drained() && m.notify == notifyIdle {
		return m.subscribeNotify()
	}

	if m.notify == notifyActive && !m.cfg.ContinuousPolling {
		return nil
	}

	if m.cursor.empty() || !m.reading {
		return nil
	}

	m.pending = true

	return []effect{read{gen: m.gen, char: m.cursor.current()}}
}

func (m *machine) subscribeNotify() []effect {
	c := m.findCharacteristic(m.registry.NotifyService, m.registry.NotifyCharacteristic)

	var err error

	if c == nil {
		err = ErrNotifyCharacteristicMissing
	} else if c.Property&ble.CharNotify == 0 {
		err = ErrNotNotifiable
	}

	if err != nil {
		log.Error().
			Err(err).
			Stringer("Characteristic", m.registry.NotifyCharacteristic).
			Msg("session: cannot enable notifications, continuing to poll")

		m.notify = notifyFailed

		return m.readNext()
	}

	m.notify = notifyPending
	m.pending = true

	return []effect{subscribe{gen: m.gen, char: c}}
}

func (m *machine) onSubscribed(ev subscribed) []effect {
	if !m.current(ev.gen) || m.notify != notifyPending {
		return nil
	}

	m.pending = false

	if ev.err != nil {
		log.Error().Err(ev.err).Msg("session: failed to enable notifications, continuing to poll")
		m.notify = notifyFailed
	} else {
		log.Info().
			Bool("ContinuousPolling", m.cfg.ContinuousPolling).
			Msg("session: notifications enabled")
		m.notify = notifyActive
	}

	return m.readNext()
}

func (m *machine) onRead(ev readCompleted) []effect {
	if !m.current(ev.gen) || !m.discovered {
		return nil
	}

	m.pending = false

	if utils.ErrorIsAnyOf(ev.err, ble.ErrAuthentication) {
		log.Warn().
			Err(ev.err).
			Stringer("Characteristic", ev.char.UUID).
			Msg("session: read rejected, otp verification required")

		// the cursor stays put until a new otp is written.
		return m.setOtp(device.OtpVerificationFailed)
	}

	if ev.err != nil {
		log.Warn().
			Err(ev.err).
			Stringer("Characteristic", ev.char.UUID).
			Msg("session: read failed, skipping characteristic")

		m.advance(ev.char)

		return m.readNext()
	}

	effects := m.setOtp(device.OtpVerificationSucceeded)
	effects = append(effects, m.sample(ev.char.UUID, ev.data, device.SampleSourceRead, ev.at))

	m.advance(ev.char)

	return append(effects, m.readNext()...)
}

// advance moves past char unless the cursor has been rebuilt since it was read.
func (m *machine) advance(char *ble.Characteristic) {
	if m.cursor.current() == char {
		m.cursor.advance()
	}
}

func (m *machine) setOtp(state device.OtpState) []effect {
	if m.otp == state {
		return nil
	}

	m.otp = state

	return []effect{publishOtp{state: state}}
}

func (m *machine) sample(uuid ble.UUID, data []byte, source device.SampleSource, at time.Time) effect {
	return publishSample{
		batch: device.SampleBatch{
			Characteristic: uuid,
			Values:         insuflo.DecodeSamples(data),
			Source:         source,
			Time:           at,
		},
		payload: data,
	}
}

// findCharacteristic looks up a characteristic under its expected service, falling back to any
// service exposing it.
func (m *machine) findCharacteristic(service, uuid ble.UUID) *ble.Characteristic {
	if m.profile == nil {
		return nil
	}

	var fallback *ble.Characteristic

	for _, svc := range m.profile.Services {
		for _, c := range svc.Characteristics {
			if !c.UUID.Equal(uuid) {
				continue
			}

			if svc.UUID.Equal(service) {
				return c
			}

			if fallback == nil {
				fallback = c
			}
		}
	}

	return fallback
}
