package metrics

import (
	"strconv"
	"time"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/insuflo"
)

var (
	descSample = prometheus.NewDesc(
		"insuflo_sample_value",
		"Latest value decoded from a characteristic payload.",
		[]string{"device", "characteristic", "field", "index"},
		nil,
	)

	descConnectionState = prometheus.NewDesc(
		"insuflo_connection_state",
		"Current state of the GATT link. 1 for the active state, 0 otherwise.",
		[]string{"device", "state"},
		nil,
	)

	descBondState = prometheus.NewDesc(
		"insuflo_bond_state",
		"System pairing state of the peripheral. 1 for the active state, 0 otherwise.",
		[]string{"device", "state"},
		nil,
	)

	descOtpVerified = prometheus.NewDesc(
		"insuflo_otp_verified",
		"OTP verification state: -1 = failed, 0 = not verified, 1 = succeeded.",
		[]string{"device"},
		nil,
	)
)

var (
	connectionStates = []device.ConnectionState{
		device.ConnectionUninitialized,
		device.ConnectionInitializing,
		device.ConnectionConnected,
		device.ConnectionDisconnected,
		device.ConnectionAttemptFailed,
		device.ConnectionDiscoveryFailed,
	}

	bondStates = []device.BondState{
		device.BondUnchecked,
		device.BondNone,
		device.BondBonding,
		device.BondBonded,
	}
)

type CollectFunc func() (map[string]device.SampleBatch, time.Time)

// States is a snapshot of the state surfaces of a session.
type States struct {
	Connection device.ConnectionState
	Bond device.BondState
	Otp device.OtpState
}

type StatesFunc func() States

type collector struct {
	CollectFunc
	StatesFunc

	peripheral device.Peripheral
	registry *insuflo.Registry
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	name := c.peripheral.Name

	states := c.StatesFunc()

	for _, state := range connectionStates {
		ch <- prometheus.MustNewConstMetric(
			descConnectionState,
			prometheus.GaugeValue,
			boolToFloat(state == states.Connection),
			name,
			state.String(),
		)
	}

	for _, state := range bondStates {
		ch <- prometheus.MustNewConstMetric(
			descBondState,
			prometheus.GaugeValue,
			boolToFloat(state == states.Bond),
			name,
			state.String(),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		descOtpVerified,
		prometheus.GaugeValue,
		otpValue(states.Otp),
		name,
	)

	batches, _ := c.CollectFunc()

	for _, batch := range batches {
		for i, value := range batch.Values {
			sample := prometheus.MustNewConstMetric(
				descSample,
				prometheus.GaugeValue,
				float64(value),
				name,
				batch.Characteristic.String(),
				c.fieldName(batch.Characteristic, i),
				strconv.Itoa(i),
			)

			if batch.Time.IsZero() {
				ch <- sample
			} else {
				ch <- prometheus.NewMetricWithTimestamp(batch.Time, sample)
			}
		}
	}
}

// fieldName labels a sample with the registry field at the same position, if any.
func (c *collector) fieldName(uuid ble.UUID, i int) string {
	d, ok := c.registry.Lookup(uuid)

	if !ok || i >= len(d.Fields) {
		return ""
	}

	return d.Fields[i]
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

func otpValue(s device.OtpState) float64 {
	switch s {
	case device.OtpVerificationSucceeded:
		return 1
	case device.OtpVerificationFailed:
		return -1
	default:
		return 0
	}
}

func RegisterCollector(
	p device.Peripheral,
	registry *insuflo.Registry,
	samples CollectFunc,
	states StatesFunc,
	reg prometheus.Registerer,
) {
	c := &collector{
		CollectFunc: samples,
		StatesFunc: states,
		peripheral: p,
		registry: registry,
	}

	reg.MustRegister(c)
}
