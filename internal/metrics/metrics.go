// Package metrics holds the Prometheus collectors of the engine. Every
// collector is registered on a private registry served by Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/ragengine/internal/repository"
)

const namespace = "ragengine"

// Request outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// Metrics is the set of engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	iterations   prometheus.Histogram
	confidence   prometheus.Histogram
	degradations *prometheus.CounterVec
	jobs         *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Query requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Query request latency by endpoint.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iterations",
			Help:      "Retrieval rounds per iterative request.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "final_confidence",
			Help:      "Assessed coverage confidence when iteration stopped.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Fallbacks taken while serving requests, by kind.",
		}, []string{"kind"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_jobs",
			Help:      "Ingestion jobs by state since startup.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.latency,
		m.iterations,
		m.confidence,
		m.degradations,
		m.jobs,
	)
	return m
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(endpoint, outcome string, d time.Duration) {
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	m.latency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveDegradations counts each degradation kind once.
func (m *Metrics) ObserveDegradations(kinds []string) {
	for _, k := range kinds {
		m.degradations.WithLabelValues(k).Inc()
	}
}

// ObserveIterative records the round count and final confidence of an
// iterative request.
func (m *Metrics) ObserveIterative(iterations int, confidence float64) {
	m.iterations.Observe(float64(iterations))
	m.confidence.Observe(confidence)
}

// JobTransition moves one job between state gauges. It has the shape of
// jobs.StateHook.
func (m *Metrics) JobTransition(from, to repository.JobState) {
	if from != "" {
		m.jobs.WithLabelValues(string(from)).Dec()
	}
	m.jobs.WithLabelValues(string(to)).Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
