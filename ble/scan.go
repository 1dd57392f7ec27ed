package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var advertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "insuflo_ble_advertisements_total",
})

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
	return ble.WithSigHandler(ctx, cancel)
}

// Scan reports every advertisement received until the context is done. Context cancellation
// and deadlines end the scan without an error.
func (h *Handle) Scan(ctx context.Context, onAdvertisement func(Advertisement)) error {
	allowDup := h.flags & FlagAllowDuplicates == FlagAllowDuplicates

	err := h.dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
		advertisementsCounter.Inc()

		log.Trace().
			Str("Addr", a.Addr().String()).
			Str("Name", a.LocalName()).
			Int("RSSI", a.RSSI()).
			Msg("ble: received advertisement")

		onAdvertisement(a)
	})

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to initiate scan: %w", err)
	}

	return nil
}
