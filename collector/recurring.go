package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/stream"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
)

// Reader pauses and resumes characteristic polling on the session feeding the collector.
type Reader interface {
	SetReading(enabled bool)
}

// Recurring retains the latest sample batch per characteristic published by a session.
type Recurring struct {
	// If no call to Latest() has been executed for more than IdleTimeout, polling is paused
	// and resumed automatically when Latest() is called again. Notifications keep flowing.
	IdleTimeout time.Duration

	batches map[string]device.SampleBatch
	collectionTime time.Time

	lastRead time.Time

	reader Reader
	mu sync.Mutex

	// collector has been Start()ed
	started bool

	// polling is currently paused due to inactivity
	suspended atomic.Bool
}

func NewRecurring(reader Reader) *Recurring {
	return &Recurring{
		batches: make(map[string]device.SampleBatch),
		reader: reader,
		lastRead: time.Now(),
	}
}

func (s *Recurring) Update(b device.SampleBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b.Characteristic) == 0 {
		panic("attempted to retain a sample batch without characteristic")
	}

	// replace the map so that previously returned snapshots stay untouched.
	next := make(map[string]device.SampleBatch, len(s.batches) + 1)
	maps.Copy(next, s.batches)
	next[b.Characteristic.String()] = b

	s.batches = next
	s.collectionTime = b.Time

	if s.collectionTime.IsZero() {
		s.collectionTime = time.Now()
	}
}

func (s *Recurring) wakeUpIfNeeded() bool {
	if s.suspended.CompareAndSwap(true, false) {
		log.Info().Msg("Resuming characteristic polling")
		s.reader.SetReading(true)

		return true
	}

	return false
}

// Latest returns the latest batch of every characteristic, keyed by characteristic UUID, and
// the time of the most recent one. Resumes polling if it was paused.
func (s *Recurring) Latest() (map[string]device.SampleBatch, time.Time) {
	s.wakeUpIfNeeded()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRead = time.Now()

	// safe to return as we replace the old map with a new one on update.
	return s.batches, s.collectionTime
}

// Characteristics returns the UUIDs for which a batch has been retained.
func (s *Recurring) Characteristics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Keys(s.batches)
}

func (s *Recurring) shouldSuspend() (suspend bool, elapsed time.Duration) {
	if s.IdleTimeout <= 0 {
		return false, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed = time.Since(s.lastRead)

	return elapsed > s.IdleTimeout, elapsed
}

func (s *Recurring) suspendIfIdle() {
	suspend, elapsed := s.shouldSuspend()

	if !suspend || !s.suspended.CompareAndSwap(false, true) {
		return
	}

	log.Warn().
		Dur("IdleTimeoutSec", s.IdleTimeout).
		Dur("TimeSinceLastReadSec", elapsed).
		Strs("RetainedCharacteristics", s.Characteristics()).
		Msg("Pausing characteristic polling due to inactivity. If you see this message often, " +
				"you probably need to adjust the idle timeout with '-idle-timeout'.")

	s.reader.SetReading(false)
}

// Start retains every batch published on samples until ctx is done.
func (s *Recurring) Start(ctx context.Context, samples *stream.Stream[device.SampleBatch]) {
	if s.started {
		panic("attempted to call collector.Recurring.Start() twice")
	}

	s.started = true

	ch, release := samples.Subscribe()
	defer release()

	log.Info().
		Dur("IdleTimeoutSec", s.IdleTimeout).
		Msg("Starting recurring collector")

	var idle <-chan time.Time

	if s.IdleTimeout > 0 {
		ticker := time.NewTicker(s.IdleTimeout / 2)
		defer ticker.Stop()

		idle = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Recurring collector is shutting down")
			return
		case b, ok := <-ch:
			if !ok {
				log.Info().Msg("Sample stream closed, recurring collector is shutting down")
				return
			}

			log.Trace().Stringer("Batch", b).Msg("Retaining sample batch")
			s.Update(b)
		case <-idle:
			s.suspendIfIdle()
		}
	}
}
