package ble

import (
	"context"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insuflo_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insuflo_ble_failed_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insuflo_ble_disconnections_total",
	})
)

// Connect dials the peripheral and returns the GATT client. The returned client's
// Disconnected() channel is closed when the link drops for any reason.
func (h *Handle) Connect(ctx context.Context, addr net.HardwareAddr) (Client, error) {
	conn, err := h.dev.Dial(ctx, addr)

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Stringer("Addr", addr).Msg("ble: successfully opened new connection to device")

	// watchdog accounting for the connection going away.
	go func() {
		<-conn.Disconnected()

		disconnectsCounter.Inc()
		log.Debug().Stringer("Addr", addr).Msg("ble: connection with device closed")
	}()

	return conn, nil
}
