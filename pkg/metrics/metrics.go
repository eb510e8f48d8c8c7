package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors for the mutation pipeline.
type Metrics struct {
	registry *prometheus.Registry

	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	probes           *prometheus.CounterVec
	probeDuration    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrman",
			Name:      "mutations_total",
			Help:      "Structural mutations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "btrman",
			Name:      "mutation_duration_seconds",
			Help:      "End-to-end reconcile duration, including poll-to-completion waits.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"operation"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrman",
			Name:      "probes_total",
			Help:      "Topology probes by result.",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "btrman",
			Name:      "probe_duration_seconds",
			Help:      "Topology probe duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(m.mutations, m.mutationDuration, m.probes, m.probeDuration)
	return m
}

// ObserveMutation records one finished reconcile call.
func (m *Metrics) ObserveMutation(operation, outcome string, d time.Duration) {
	m.mutations.WithLabelValues(operation, outcome).Inc()
	m.mutationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveProbe records one topology probe.
func (m *Metrics) ObserveProbe(err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.probes.WithLabelValues(result).Inc()
	m.probeDuration.Observe(d.Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
