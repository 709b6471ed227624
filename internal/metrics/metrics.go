package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client's prometheus collectors on a private registry.
type Metrics struct {
	Triggers      *prometheus.CounterVec
	Verdicts      *prometheus.CounterVec
	Uploads       *prometheus.CounterVec
	StaleResults  *prometheus.CounterVec
	SinkErrors    *prometheus.CounterVec
	VerifyLatency prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecheck_triggers_total",
			Help: "Verification triggers by source and outcome",
		}, []string{"source", "outcome"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecheck_verdicts_total",
			Help: "Verdicts applied to the display",
		}, []string{"result"}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecheck_uploads_total",
			Help: "Reference uploads by outcome",
		}, []string{"outcome"}),
		StaleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecheck_stale_results_total",
			Help: "Results discarded because a newer state superseded them",
		}, []string{"slot"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecheck_sink_errors_total",
			Help: "Failed verdict recorder writes",
		}, []string{"sink"}),
		VerifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facecheck_verify_latency_seconds",
			Help:    "Latency of verify calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	m.registry.MustRegister(
		m.Triggers,
		m.Verdicts,
		m.Uploads,
		m.StaleResults,
		m.SinkErrors,
		m.VerifyLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
