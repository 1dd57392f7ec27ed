// Package collector authenticates against a session and retains the samples it publishes.
package collector

import (
	"context"
	"time"

	"github.com/robertof/insuflo-client/session"
	"github.com/robertof/insuflo-client/utils"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRetries = 8
	DefaultBackoffFactor = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// OtpSender submits one-time passwords. Implemented by session.Session.
type OtpSender interface {
	SendOtp(code string) error
}

type RetryOptions struct {
	MaxRetries int
	BackoffFactor time.Duration

	attempt int
}

// SendOtpWithOptions submits the code, backing off exponentially while the link is not ready
// for it yet. Any other error is returned immediately.
func SendOtpWithOptions(
	ctx context.Context,
	sender OtpSender,
	code string,
	options RetryOptions,
) error {
	for {
		err := sender.SendOtp(code)

		if err == nil {
			log.Info().Int("Attempt", options.attempt + 1).Msg("OTP submitted")
			return nil
		}

		if !utils.ErrorIsAnyOf(err, session.ErrDiscoveryIncomplete) || options.MaxRetries <= 0 {
			return err
		}

		backoff := options.BackoffFactor << int64(options.attempt)

		if backoff <= 0 || backoff > maxBackoff {
			backoff = maxBackoff
		}

		log.Debug().
			Err(err).
			Int("RetriesLeft", options.MaxRetries).
			Dur("Backoff", backoff).
			Msg("Link not ready for OTP - will retry")

		select {
		case <-ctx.Done():
			log.Trace().Err(ctx.Err()).Msg("Retry aborted by context cancel")
			return ctx.Err()
		case <-time.After(backoff):
		}

		options.MaxRetries -= 1
		options.attempt += 1
	}
}
