package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the telemetry.Metrics counter/timer/gauge
// vocabulary on a dedicated Prometheus registry, which the
// daemon serves on /metrics (SPEC_FULL §4.3). agentops keeps its own
// registry rather than using prometheus.DefaultRegisterer so embedding hosts
// can mount it at any path without colliding with their own metrics.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	counters   *prometheus.CounterVec
	histograms *prometheus.HistogramVec
	gauges     *prometheus.GaugeVec
}

// NewPrometheusMetrics constructs a Metrics recorder backed by a fresh
// Prometheus registry. Call Registry to obtain the registry for serving
// /metrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Counter metrics recorded by name via telemetry.Metrics.IncCounter.",
	}, []string{"metric", "tag_key", "tag_value"})
	histograms := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "duration_seconds",
		Help:      "Timer metrics recorded by name via telemetry.Metrics.RecordTimer.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"metric", "tag_key", "tag_value"})
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gauge_value",
		Help:      "Gauge metrics recorded by name via telemetry.Metrics.RecordGauge.",
	}, []string{"metric", "tag_key", "tag_value"})
	reg.MustRegister(counters, histograms, gauges)
	return &PrometheusMetrics{registry: reg, counters: counters, histograms: histograms, gauges: gauges}
}

// Registry returns the underlying Prometheus registry for mounting an HTTP
// handler (promhttp.HandlerFor).
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

// IncCounter increments a named counter, using the first tag pair (if any)
// as a label to keep cardinality bounded for the dashboard use case this
// runtime targets.
func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	k, v := firstTag(tags)
	m.counters.WithLabelValues(name, k, v).Add(value)
}

// RecordTimer observes a duration in seconds.
func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	k, v := firstTag(tags)
	m.histograms.WithLabelValues(name, k, v).Observe(duration.Seconds())
}

// RecordGauge sets a named gauge's current value.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	k, v := firstTag(tags)
	m.gauges.WithLabelValues(name, k, v).Set(value)
}

func firstTag(tags []string) (string, string) {
	if len(tags) >= 2 {
		return tags[0], tags[1]
	}
	return "", ""
}
