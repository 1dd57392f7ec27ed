package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertof/insuflo-client/ble"
	"github.com/robertof/insuflo-client/bond"
	"github.com/robertof/insuflo-client/collector"
	"github.com/robertof/insuflo-client/metrics"
	"github.com/robertof/insuflo-client/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	cfg := ParseArgs()

	if cfg.Trace || os.Getenv("TRACE") != "" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else if cfg.Debug || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.DiscoverDevices {
		doDeviceDiscovery(cfg)
		return
	}

	log.Info().
		Str("BindAddr", cfg.BindAddress).
		Stringer("Device", cfg.Device).
		Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
		Int("MaxAttempts", cfg.Session.MaxAttempts).
		Dur("OperationTimeoutSec", cfg.Session.OperationTimeout).
		Msg("Starting with the specified configuration")

	bleHandle := initBle(cfg)
	defer bleHandle.Stop()

	bluez, err := bond.NewBlueZ(cfg.BluetoothDeviceId)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to BlueZ")
	}

	ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))
	eg, ctx := errgroup.WithContext(ctx)

	sess := session.New(
		session.ConnectorFunc(func(ctx context.Context, addr net.HardwareAddr) (session.Link, error) {
			client, err := bleHandle.Connect(ctx, addr)
			if err != nil {
				return nil, err
			}

			return client, nil
		}),
		bluez,
		cfg.Session,
	)

	monitor := bond.NewMonitor(ctx, bluez)

	coll := collector.NewRecurring(sess)
	coll.IdleTimeout = cfg.IdleTimeout

	registry := prometheus.NewRegistry()

	if cfg.EnableMetamonitoring {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		ble.RegisterMetrics(registry)
		session.RegisterMetrics(registry)
	}

	metrics.RegisterCollector(
		*cfg.Device,
		sess.Registry(),
		coll.Latest,
		func() metrics.States {
			conn, _ := sess.ConnectionStates().Value()
			bondState, _ := monitor.BondStates().Value()
			otp, _ := sess.OtpStates().Value()

			return metrics.States{Connection: conn, Bond: bondState, Otp: otp}
		},
		registry,
	)

	eg.Go(func() error {
		return sess.Run(ctx)
	})

	eg.Go(func() error {
		coll.Start(ctx, sess.Samples())
		return nil
	})

	eg.Go(func() error {
		w := &workflow{
			peripheral: *cfg.Device,
			pairer: bluez,
			monitor: monitor,
			session: sess,
			otp: cfg.Otp,
			retry: collector.RetryOptions{
				MaxRetries: cfg.OtpRetries,
				BackoffFactor: cfg.Backoff,
			},
			settleDelay: cfg.PairingSettleDelay,
		}

		return w.run(ctx)
	})

	eg.Go(func() error {
		return serveMetrics(ctx, cfg.BindAddress, registry)
	})

	if err := eg.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Shutting down after unrecoverable error")
	}

	log.Info().Msg("Bye")
}

func initBle(cfg config) *ble.Handle {
	bleHandle, err := ble.InitWithParams(
		cfg.BluetoothDeviceId,
		cfg.ScanMode,
		cfg.BluetoothConnParams,
		ble.FlagScanTypeActive,
	)

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
	}

	return bleHandle
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	log.Info().
		Str("ListenAddress", addr).
		Msg("Starting Prometheus server")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down Prometheus server")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
