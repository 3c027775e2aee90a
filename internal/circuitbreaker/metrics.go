package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half_open)",
		},
		[]string{"service"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	breakerRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_circuit_breaker_rejected_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"service"},
	)
)

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func recordState(service string, s State) {
	breakerState.WithLabelValues(service).Set(stateValue(s))
}

func recordTransition(service string, from, to State) {
	breakerTransitions.WithLabelValues(service, string(from), string(to)).Inc()
	recordState(service, to)
}

func recordRejected(service string) {
	breakerRejected.WithLabelValues(service).Inc()
}
