// Package metrics provides the Prometheus collectors of the watch service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all jobwatch metrics.
	Namespace = "jobwatch"
)

// Metrics holds all Prometheus metrics of the watch service.
type Metrics struct {
	// Poll metrics
	PollsTotal    *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Watch metrics
	WatchesActive   prometheus.Gauge
	WatchesStarted  *prometheus.CounterVec
	WatchesFinished *prometheus.CounterVec
	StartsRejected  *prometheus.CounterVec

	// Backend metrics
	BackendUp *prometheus.GaugeVec
}

// New creates and registers all metrics on reg. A nil reg uses a fresh registry so
// repeated construction in tests never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "poller",
				Name:      "polls_total",
				Help:      "Status fetches by job kind and result",
			},
			[]string{"kind", "result"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "poller",
				Name:      "fetch_duration_seconds",
				Help:      "Latency of status fetches",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"kind"},
		),
		WatchesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "watch",
				Name:      "active",
				Help:      "Watches currently polling",
			},
		),
		WatchesStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "watch",
				Name:      "started_total",
				Help:      "Watches started by job kind",
			},
			[]string{"kind"},
		),
		WatchesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "watch",
				Name:      "finished_total",
				Help:      "Watches finished by job kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StartsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "watch",
				Name:      "starts_rejected_total",
				Help:      "Job starts refused because the same target was in flight",
			},
			[]string{"kind"},
		),
		BackendUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "backend",
				Name:      "up",
				Help:      "1 when the last health check of a backend succeeded",
			},
			[]string{"backend"},
		),
	}
}

// ObserveFetch records one status fetch.
func (m *Metrics) ObserveFetch(kind string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PollsTotal.WithLabelValues(kind, result).Inc()
	m.FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetBackendUp records a backend health check.
func (m *Metrics) SetBackendUp(backend string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.BackendUp.WithLabelValues(backend).Set(v)
}
