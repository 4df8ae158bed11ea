package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsClient records operational metrics. Implementations must be safe
// for concurrent use.
type MetricsClient interface {
	IncrementCounter(name string, labels map[string]string)
	RecordLatency(name string, d time.Duration, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	Close() error
}

// PrometheusMetrics is a MetricsClient backed by prometheus collectors,
// registered lazily per metric name.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	mu         sync.Mutex
}

// NewPrometheusMetrics creates a PrometheusMetrics with its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry exposes the underlying registry for scraping by the adapter.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

// IncrementCounter increments the named counter.
func (m *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		m.registry.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Inc()
}

// RecordLatency observes a duration in seconds on the named histogram.
func (m *PrometheusMetrics) RecordLatency(name string, d time.Duration, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, labelKeys(labels))
		m.registry.MustRegister(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Observe(d.Seconds())
}

// SetGauge sets the named gauge.
func (m *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		m.registry.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Set(value)
}

// Close implements MetricsClient.Close.
func (m *PrometheusMetrics) Close() error { return nil }

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

// NewNoopMetrics creates a NoopMetrics.
func NewNoopMetrics() MetricsClient { return &NoopMetrics{} }

// IncrementCounter implements MetricsClient.
func (m *NoopMetrics) IncrementCounter(name string, labels map[string]string) {}

// RecordLatency implements MetricsClient.
func (m *NoopMetrics) RecordLatency(name string, d time.Duration, labels map[string]string) {}

// SetGauge implements MetricsClient.
func (m *NoopMetrics) SetGauge(name string, value float64, labels map[string]string) {}

// Close implements MetricsClient.
func (m *NoopMetrics) Close() error { return nil }
