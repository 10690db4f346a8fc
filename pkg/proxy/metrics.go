package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered on a per-server registry so test servers can be
// constructed freely without duplicate-registration panics.
type metrics struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	renewals       *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "putergate",
			Name:      "requests_total",
			Help:      "Proxied API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "putergate",
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by kind.",
		}, []string{"kind"}),
		renewals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "putergate",
			Name:      "credential_renewals_total",
			Help:      "Credential renewal lifecycle events.",
		}, []string{"event"}),
	}
}
