package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_ratelimit_decisions_total",
			Help: "Quota checks by backend and result",
		},
		[]string{"backend", "result"},
	)

	fallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_ratelimit_fallback_total",
			Help: "Quota checks answered by the local fallback because redis was unavailable",
		},
	)
)

func recordDecision(backend string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	decisionsTotal.WithLabelValues(backend, result).Inc()
}
