// Package stream implements the observable state surfaces of the client: latest-value streams
// that replay the current value to new subscribers, and multicast streams of events.
package stream

import "sync"

const defaultBuffer = 16

type subscriber[T any] struct {
	ch chan T
}

// Stream fans values out to all subscribers. Publishing never blocks: when a subscriber's
// buffer is full its oldest pending value is dropped to make room.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	buffer int
	closed bool

	// replay the last published value to new subscribers.
	replay  bool
	last    T
	hasLast bool
}

// NewLatest returns a stream seeded with an initial value that is replayed on subscription,
// similar to a state holder.
func NewLatest[T any](initial T) *Stream[T] {
	return &Stream[T]{
		subs:    make(map[*subscriber[T]]struct{}),
		buffer:  defaultBuffer,
		replay:  true,
		last:    initial,
		hasLast: true,
	}
}

// NewReplay returns a multicast stream with no initial value that replays the last published
// value to new subscribers.
func NewReplay[T any]() *Stream[T] {
	return &Stream[T]{
		subs:   make(map[*subscriber[T]]struct{}),
		buffer: defaultBuffer,
		replay: true,
	}
}

// NewMulticast returns a stream that only delivers values published after subscription.
func NewMulticast[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return &Stream[T]{
		subs:   make(map[*subscriber[T]]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a channel receiving published values and a function releasing it.
// The channel is closed on release or when the stream is closed.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	sub := &subscriber[T]{ch: make(chan T, s.buffer)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	if s.replay && s.hasLast {
		sub.ch <- s.last
	}

	s.subs[sub] = struct{}{}

	var once sync.Once

	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			if _, ok := s.subs[sub]; ok {
				delete(s.subs, sub)
				close(sub.ch)
			}
		})
	}
}

func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.last = v
	s.hasLast = true

	for sub := range s.subs {
		for {
			select {
			case sub.ch <- v:
			default:
				// full: drop the oldest value and try again.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Value returns the last published value, if any.
func (s *Stream[T]) Value() (v T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last, s.hasLast
}

// Close releases every subscriber. Later publications are ignored.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	for sub := range s.subs {
		close(sub.ch)
	}

	s.subs = nil
}

func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}
