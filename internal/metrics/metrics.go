// Package metrics exposes Prometheus metrics for the prediction pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

const namespace = "kddguard"

// Metrics implements pipeline.Observer over a private registry.
type Metrics struct {
	registry *prometheus.Registry

	predictions *prometheus.CounterVec
	latency     prometheus.Histogram
	filled      *prometheus.CounterVec
	errors      *prometheus.CounterVec
	model       *prometheus.GaugeVec
	alerts      *prometheus.CounterVec
}

// New creates and registers the pipeline metrics. Go runtime and process
// collectors are registered alongside.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served, by label.",
		}, []string{"label"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time spent on a single prediction.",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 4, 8),
		}),
		filled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filled_values_total",
			Help:      "Present fields replaced by the missing-value sentinel, by field.",
		}, []string{"field"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_errors_total",
			Help:      "Rejected predictions, by error kind.",
		}, []string{"kind"}),
		model: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_info",
			Help:      "Loaded artifact bundle; always 1.",
		}, []string{"classifier", "version", "components"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Anomaly alerts handed to the sink, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.predictions, m.latency, m.filled, m.errors, m.model, m.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObservePrediction counts a prediction and records its latency.
func (m *Metrics) ObservePrediction(label kdd.Label, elapsed time.Duration) {
	m.predictions.WithLabelValues(string(label)).Inc()
	m.latency.Observe(elapsed.Seconds())
}

// ObserveFilled counts one sentinel substitution.
func (m *Metrics) ObserveFilled(field string) {
	m.filled.WithLabelValues(field).Inc()
}

// ObserveError counts a rejected prediction.
func (m *Metrics) ObserveError(kind string) {
	m.errors.WithLabelValues(kind).Inc()
}

// ObserveAlert counts an alert by outcome: sent, failed or dropped.
func (m *Metrics) ObserveAlert(outcome string) {
	m.alerts.WithLabelValues(outcome).Inc()
}

// SetModel records the loaded bundle.
func (m *Metrics) SetModel(classifier string, version, components int) {
	m.model.Reset()
	m.model.WithLabelValues(classifier, strconv.Itoa(version), strconv.Itoa(components)).Set(1)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
