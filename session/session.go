// Package session drives the GATT link to an Insuflo peripheral: connection retries, service
// discovery, OTP submission and the round-robin read cycle.
package session

import (
	"context"
	"time"

	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/insuflo"
	"github.com/robertof/insuflo-client/stream"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts      = 5
	DefaultOperationTimeout = 10 * time.Second

	mailboxSize    = 64
	operationsSize = 16
	samplesBuffer  = 64
)

type Config struct {
	// Connection attempts retried automatically before giving up.
	MaxAttempts int
	// Time allowed to a single GATT operation before the link is torn down. Dials are bounded
	// by the same duration.
	OperationTimeout time.Duration
	// Keep polling characteristics after notifications have been enabled.
	ContinuousPolling bool
	Registry          *insuflo.Registry
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}

	if c.Registry == nil {
		c.Registry = insuflo.DefaultRegistry()
	}

	return c
}

type message struct {
	ev    event
	reply chan error
}

type operation struct {
	name string
	gen  uint64
	// bounded operations are abandoned after Config.OperationTimeout.
	bounded bool
	run     func(ctx context.Context) event
}

// Session owns one GATT link at a time. Commands are handled in order by the goroutine
// executing Run; GATT operations are executed one at a time on a separate goroutine.
type Session struct {
	cfg       Config
	connector Connector
	bonds     BondRemover

	mailbox    chan message
	operations chan operation
	done       chan struct{}

	connectionStates *stream.Stream[device.ConnectionState]
	otpStates        *stream.Stream[device.OtpState]
	samples          *stream.Stream[device.SampleBatch]

	// owned by Run.
	machine *machine
	links   map[uint64]Link
}

// New creates a session. bonds may be nil, in which case Unpair only disconnects.
func New(connector Connector, bonds BondRemover, cfg Config) *Session {
	cfg = cfg.withDefaults()

	return &Session{
		cfg:              cfg,
		connector:        connector,
		bonds:            bonds,
		mailbox:          make(chan message, mailboxSize),
		operations:       make(chan operation, operationsSize),
		done:             make(chan struct{}),
		connectionStates: stream.NewLatest(device.ConnectionUninitialized),
		otpStates:        stream.NewLatest(device.OtpNotVerified),
		samples:          stream.NewMulticast[device.SampleBatch](samplesBuffer),
		machine:          newMachine(cfg),
		links:            make(map[uint64]Link),
	}
}

func (s *Session) ConnectionStates() *stream.Stream[device.ConnectionState] {
	return s.connectionStates
}

func (s *Session) OtpStates() *stream.Stream[device.OtpState] {
	return s.otpStates
}

// Samples streams every decoded payload, from reads and notifications alike.
func (s *Session) Samples() *stream.Stream[device.SampleBatch] {
	return s.samples
}

func (s *Session) Registry() *insuflo.Registry {
	return s.cfg.Registry
}

// Run handles commands and transport events until ctx is done, then releases the link and
// closes every stream.
func (s *Session) Run(ctx context.Context) error {
	log.Debug().
		Int("MaxAttempts", s.cfg.MaxAttempts).
		Dur("OperationTimeout", s.cfg.OperationTimeout).
		Bool("ContinuousPolling", s.cfg.ContinuousPolling).
		Msg("session: starting")

	go s.execute(ctx)

	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.mailbox:
			s.dispatch(ctx, msg)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg message) {
	if ev, ok := msg.ev.(linkEstablished); ok && ev.err == nil {
		s.links[ev.gen] = ev.link
		go s.watchLink(ev.gen, ev.link)
	}

	effects, err := s.machine.handle(msg.ev)

	if msg.reply != nil {
		msg.reply <- err
	}

	for _, eff := range effects {
		s.apply(ctx, eff)
	}
}

func (s *Session) shutdown() {
	close(s.done)

	for gen, link := range s.links {
		delete(s.links, gen)

		if err := link.CancelConnection(); err != nil {
			log.Debug().Err(err).Msg("session: failed to close link on shutdown")
		}
	}

	s.connectionStates.Close()
	s.otpStates.Close()
	s.samples.Close()

	log.Debug().Msg("session: stopped")
}

// post delivers a transport event to the session. It is dropped once the session has stopped.
func (s *Session) post(ev event) {
	select {
	case s.mailbox <- message{ev: ev}:
	case <-s.done:
	}
}

func (s *Session) command(ev event) error {
	msg := message{ev: ev, reply: make(chan error, 1)}

	select {
	case s.mailbox <- msg:
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-msg.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) watchLink(gen uint64, link Link) {
	select {
	case <-link.Disconnected():
		s.post(linkClosed{gen: gen})
	case <-s.done:
	}
}

func (s *Session) apply(ctx context.Context, eff effect) {
	switch eff := eff.(type) {
	case publishConnection:
		connectionStateTransitions.WithLabelValues(eff.state.String()).Inc()
		log.Debug().Stringer("ConnectionState", eff.state).Msg("session: connection state changed")
		s.connectionStates.Publish(eff.state)
	case publishOtp:
		log.Info().Stringer("OtpState", eff.state).Msg("session: otp state changed")
		s.otpStates.Publish(eff.state)
	case publishSample:
		samplesCounter.WithLabelValues(eff.batch.Source.String()).Inc()
		s.cfg.Registry.LogPayload(eff.batch.Characteristic, eff.payload)
		s.samples.Publish(eff.batch)
	case closeLink:
		link, ok := s.links[eff.gen]
		if !ok {
			return
		}

		delete(s.links, eff.gen)

		go func() {
			if err := link.CancelConnection(); err != nil {
				log.Warn().Err(err).Msg("session: failed to release link")
			}
		}()
	case dial:
		connectAttemptsCounter.Inc()
		addr := eff.peripheral.Addr

		s.enqueue(ctx, operation{name: "connect", gen: eff.gen, run: func(ctx context.Context) event {
			dialCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
			defer cancel()

			link, err := s.connector.Connect(dialCtx, addr)

			return linkEstablished{gen: eff.gen, link: link, err: err}
		}})
	case discover:
		s.withLink(ctx, eff.gen, "discover", func(link Link) event {
			profile, err := link.DiscoverProfile(true)
			return discovered{gen: eff.gen, profile: profile, err: err}
		})
	case read:
		s.withLink(ctx, eff.gen, "read", func(link Link) event {
			data, err := link.ReadCharacteristic(eff.char)
			readsCounter.WithLabelValues(readResult(err)).Inc()

			return readCompleted{gen: eff.gen, char: eff.char, data: data, err: err, at: time.Now()}
		})
	case write:
		s.withLink(ctx, eff.gen, "write", func(link Link) event {
			err := link.WriteCharacteristic(eff.char, eff.value, eff.noRsp)
			return writeCompleted{gen: eff.gen, err: err}
		})
	case subscribe:
		uuid := eff.char.UUID

		s.withLink(ctx, eff.gen, "subscribe", func(link Link) event {
			err := link.Subscribe(eff.char, false, func(data []byte) {
				payload := make([]byte, len(data))
				copy(payload, data)

				s.post(notified{gen: eff.gen, char: uuid, data: payload, at: time.Now()})
			})

			return subscribed{gen: eff.gen, err: err}
		})
	case removeBond:
		if s.bonds == nil {
			log.Warn().Stringer("Device", eff.peripheral).Msg("session: no bond remover configured")
			return
		}

		go func() {
			if err := s.bonds.RemoveBond(ctx, eff.peripheral.Addr.String()); err != nil {
				log.Warn().Err(err).Stringer("Device", eff.peripheral).Msg("session: failed to remove bond")
				return
			}

			log.Info().Stringer("Device", eff.peripheral).Msg("session: bond removed")
		}()
	default:
		log.Panic().Msgf("unexpected session effect %T", eff)
	}
}

func (s *Session) withLink(ctx context.Context, gen uint64, name string, run func(Link) event) {
	link, ok := s.links[gen]
	if !ok {
		log.Debug().Str("Operation", name).Msg("session: link gone, dropping operation")
		return
	}

	s.enqueue(ctx, operation{name: name, gen: gen, bounded: true, run: func(context.Context) event {
		return run(link)
	}})
}

func (s *Session) enqueue(ctx context.Context, op operation) {
	select {
	case s.operations <- op:
	case <-ctx.Done():
	}
}

// execute runs queued operations strictly one after the other.
func (s *Session) execute(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.operations:
			s.runOperation(ctx, op)
		}
	}
}

func (s *Session) runOperation(ctx context.Context, op operation) {
	log.Trace().Str("Operation", op.name).Uint64("Generation", op.gen).Msg("session: running operation")

	if !op.bounded {
		s.post(op.run(ctx))
		return
	}

	result := make(chan event, 1)

	go func() {
		result <- op.run(ctx)
	}()

	timer := time.NewTimer(s.cfg.OperationTimeout)
	defer timer.Stop()

	select {
	case ev := <-result:
		s.post(ev)
	case <-timer.C:
		operationTimeoutsCounter.WithLabelValues(op.name).Inc()
		// the abandoned call returns once the link is released.
		s.post(operationTimedOut{gen: op.gen, op: op.name})
	case <-ctx.Done():
	}
}

// StartReceiving connects to p unless a link already exists.
func (s *Session) StartReceiving(p device.Peripheral) {
	s.send(startReceiving{peripheral: p})
}

// Reconnect starts receiving from the last recorded peripheral.
func (s *Session) Reconnect() error {
	return s.command(reconnect{})
}

// SendOtp writes the one-time password to the peripheral. It fails with
// ErrDiscoveryIncomplete until services have been discovered on a connected link.
func (s *Session) SendOtp(code string) error {
	value, err := insuflo.ParseOtp(code)
	if err != nil {
		return err
	}

	return s.command(sendOtp{value: value})
}

// Disconnect releases the link, keeping the recorded peripheral for Reconnect.
func (s *Session) Disconnect() {
	s.send(disconnect{})
}

// Unpair releases the link and removes the system bond of the recorded peripheral.
func (s *Session) Unpair() {
	s.send(unpair{})
}

// SetReading pauses or resumes polling characteristics.
func (s *Session) SetReading(enabled bool) {
	s.send(setReading{enabled: enabled})
}

func (s *Session) send(ev event) {
	if err := s.command(ev); err != nil {
		log.Warn().Err(err).Msgf("session: command %T dropped", ev)
	}
}
