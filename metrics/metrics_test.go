package metrics

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/insuflo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, batches map[string]device.SampleBatch, states States) *prometheus.Registry {
	t.Helper()

	p, err := device.ParsePeripheral("insuflo-test", "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()

	RegisterCollector(
		p,
		insuflo.DefaultRegistry(),
		func() (map[string]device.SampleBatch, time.Time) { return batches, time.Time{} },
		func() States { return states },
		reg,
	)

	return reg
}

func TestCollectorExportsSamples(t *testing.T) {
	batches := map[string]device.SampleBatch{
		insuflo.CharAlarm.String(): {
			Characteristic: insuflo.CharAlarm,
			Values:         []float32{1.5, 2, 7, 9},
		},
	}

	reg := newTestRegistry(t, batches, States{})

	alarm := insuflo.CharAlarm.String()
	expected := fmt.Sprintf(`
# HELP insuflo_sample_value Latest value decoded from a characteristic payload.
# TYPE insuflo_sample_value gauge
insuflo_sample_value{characteristic=%[1]q,device="insuflo-test",field="AlarmUniqueTime",index="0"} 1.5
insuflo_sample_value{characteristic=%[1]q,device="insuflo-test",field="AlarmUniqueDate",index="1"} 2
insuflo_sample_value{characteristic=%[1]q,device="insuflo-test",field="AlarmCode",index="2"} 7
insuflo_sample_value{characteristic=%[1]q,device="insuflo-test",field="",index="3"} 9
`, alarm)

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "insuflo_sample_value"))
}

func TestCollectorExportsStates(t *testing.T) {
	reg := newTestRegistry(t, nil, States{
		Connection: device.ConnectionConnected,
		Bond:       device.BondBonded,
		Otp:        device.OtpVerificationFailed,
	})

	expected := `
# HELP insuflo_bond_state System pairing state of the peripheral. 1 for the active state, 0 otherwise.
# TYPE insuflo_bond_state gauge
insuflo_bond_state{device="insuflo-test",state="Bonded"} 1
insuflo_bond_state{device="insuflo-test",state="Bonding"} 0
insuflo_bond_state{device="insuflo-test",state="None"} 0
insuflo_bond_state{device="insuflo-test",state="Unchecked"} 0
# HELP insuflo_otp_verified OTP verification state: -1 = failed, 0 = not verified, 1 = succeeded.
# TYPE insuflo_otp_verified gauge
insuflo_otp_verified{device="insuflo-test"} -1
`

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"insuflo_bond_state", "insuflo_otp_verified"))

	count, err := testutil.GatherAndCount(reg, "insuflo_connection_state")
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}
