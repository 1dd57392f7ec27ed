package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/insuflo-client/ble"
	"github.com/robertof/insuflo-client/utils"
)

var (
	connectAttemptsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insuflo_session_connect_attempts_total",
	})
	connectionStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insuflo_session_connection_state_transitions_total",
	}, []string{"state"})
	readsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insuflo_session_reads_total",
	}, []string{"result"})
	samplesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insuflo_session_samples_total",
	}, []string{"source"})
	operationTimeoutsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insuflo_session_operation_timeouts_total",
	}, []string{"operation"})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		connectAttemptsCounter,
		connectionStateTransitions,
		readsCounter,
		samplesCounter,
		operationTimeoutsCounter,
	)
}

func readResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case utils.ErrorIsAnyOf(err, ble.ErrAuthentication):
		return "unauthenticated"
	case utils.ErrorIsAnyOf(err, ble.ErrReadNotPerm, ble.ErrInvalidHandle):
		return "rejected"
	default:
		return "error"
	}
}
