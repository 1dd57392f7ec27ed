// Package ble wraps the HCI device used to talk to Insuflo peripherals.
package ble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	ErrInvalidHandle = ble.ErrInvalidHandle
	ErrReadNotPerm = ble.ErrReadNotPerm
	ErrAuthentication = ble.ErrAuthentication
)

type Advertisement = ble.Advertisement
type Client = ble.Client

type Handle struct {
	dev *linux.Device
	flags Flags
}

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		successfulConnectionsCounter,
		failedConnectionsCounter,
		disconnectsCounter,
		advertisementsCounter,
	)
}

func InitWithParams(deviceId int, scanMode ScanMode, connParams ConnParams, flags Flags) (*Handle, error) {
	var scanType scanType = scanTypePassive

	if flags & FlagScanTypeActive == FlagScanTypeActive {
		scanType = scanTypeActive
	}

	log.Debug().
		Stringer("ScanType", scanType).
		Stringer("ScanMode", &scanMode).
		Stringer("ConnParams", &connParams).
		Stringer("Flags", flags).
		Int("DeviceID", deviceId).
		Msg("Initializing Bluetooth device")

	dev, err := linux.NewDevice(
		ble.OptDeviceID(deviceId),
		ble.OptScanParams(scanMode.AdapterOptions(scanType)),
		ble.OptConnParams(connParams.AdapterOptions()),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
	}

	ble.SetDefaultDevice(dev)

	return &Handle{
		dev: dev,
		flags: flags,
	}, nil
}

func (h *Handle) Stop() {
	if err := h.dev.Stop(); err != nil {
		log.Warn().Err(err).Msg("ble: failed to stop Bluetooth device")
	}
}
