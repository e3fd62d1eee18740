// Package metrics exposes the prometheus collectors for the scheduler and
// the metadata server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	BuildsTotal      *prometheus.CounterVec
	BuildsInflight   prometheus.Gauge
	BuildDuration    prometheus.Histogram
	PhoneHomeWait    prometheus.Histogram
	MetadataRequests *prometheus.CounterVec
}

// New creates and registers the ipd collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipd_builds_total",
			Help: "Builds finished, by terminal status.",
		}, []string{"status"}),
		BuildsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ipd_builds_inflight",
			Help: "Builds currently holding a hypervisor slot.",
		}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ipd_build_duration_seconds",
			Help:    "Wall time of a build from slot pairing to teardown.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		PhoneHomeWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ipd_phone_home_wait_seconds",
			Help:    "Time between domain creation and the guest phoning home.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		MetadataRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipd_metadata_requests_total",
			Help: "Metadata service requests, by API flavor.",
		}, []string{"api"}),
	}

	registry.MustRegister(
		m.BuildsTotal,
		m.BuildsInflight,
		m.BuildDuration,
		m.PhoneHomeWait,
		m.MetadataRequests,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
