// Package metrics exposes Prometheus counters for the pipeline, delivery
// and update intake.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	pipelineRuns     *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
	updates          *prometheus.CounterVec
	imageGenerations *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Processed inputs by kind, outcome and error kind",
			},
			[]string{"kind", "outcome", "code"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Time spent processing one input",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Reply deliveries by result",
			},
			[]string{"result"},
		),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "updates_total",
				Help:      "Incoming updates by type",
			},
			[]string{"type"},
		),
		imageGenerations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_generations_total",
				Help:      "Image generation requests by result code",
			},
			[]string{"code"},
		),
	}
	m.registry.MustRegister(
		m.pipelineRuns,
		m.pipelineDuration,
		m.deliveries,
		m.updates,
		m.imageGenerations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObservePipeline records one pipeline run. code is empty on success.
func (m *Metrics) ObservePipeline(kind, outcome, code string, elapsed time.Duration) {
	if code == "" {
		code = "none"
	}
	m.pipelineRuns.WithLabelValues(kind, outcome, code).Inc()
	m.pipelineDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveDelivery records a delivery result ("delivered" or "failed").
func (m *Metrics) ObserveDelivery(result string) {
	m.deliveries.WithLabelValues(result).Inc()
}

// ObserveUpdate records an incoming update by type.
func (m *Metrics) ObserveUpdate(updateType string) {
	m.updates.WithLabelValues(updateType).Inc()
}

// ObserveImageGeneration records an image request; code is empty on success.
func (m *Metrics) ObserveImageGeneration(code string) {
	if code == "" {
		code = "none"
	}
	m.imageGenerations.WithLabelValues(code).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
