package metrics

import "github.com/prometheus/client_golang/prometheus"

// UpstreamMetrics tracks the HTTP circuit breakers guarding the polling sources.
type UpstreamMetrics struct {
	BreakerState  *prometheus.GaugeVec
	FetchDuration *prometheus.HistogramVec
}

func NewUpstreamMetrics(reg prometheus.Registerer) *UpstreamMetrics {
	m := &UpstreamMetrics{
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_breaker_state",
			Help:      "Upstream circuit breaker state per source (0 closed, 1 half-open, 2 open).",
		}, []string{"source"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream snapshot requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}

	reg.MustRegister(m.BreakerState, m.FetchDuration)
	return m
}
