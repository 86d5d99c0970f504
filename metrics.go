package driftguard

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives operational metrics from the engine. Implementations
// must tolerate unknown metric names; the engine emits a small fixed set but
// callers may reuse the collector for their own series.
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	IncrementCounterBy(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// NopCollector discards everything. It is the default so the engine never
// pays for metrics nobody reads.
type NopCollector struct{}

func (NopCollector) IncrementCounter(string, map[string]string)            {}
func (NopCollector) IncrementCounterBy(string, float64, map[string]string) {}
func (NopCollector) SetGauge(string, float64, map[string]string)           {}
func (NopCollector) ObserveHistogram(string, float64, map[string]string)   {}

// InMemoryCollector accumulates metrics in process memory, mainly for tests
// and the admin summary endpoint.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]map[string]float64
	gauges     map[string]map[string]float64
	histograms map[string][]float64
}

func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]map[string]float64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *InMemoryCollector) IncrementCounter(name string, labels map[string]string) {
	m.IncrementCounterBy(name, 1, labels)
}

func (m *InMemoryCollector) IncrementCounterBy(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]float64)
	}
	m.counters[name][labelKey(labels)] += value
}

func (m *InMemoryCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelKey(labels)] = value
}

func (m *InMemoryCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], value)
}

// CounterValue reads back a counter, mainly for tests.
func (m *InMemoryCollector) CounterValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name][labelKey(labels)]
}

// GaugeValue reads back a gauge, mainly for tests.
func (m *InMemoryCollector) GaugeValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name][labelKey(labels)]
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// PrometheusCollector exposes the engine's metrics through a Prometheus
// registry. Series are pre-registered with their label names; emissions for
// unknown names are dropped rather than causing registration races on the
// hot path.
type PrometheusCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	c := &PrometheusCollector{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	c.counter("driftguard_records_total", "Request events ingested.", nil)
	c.counter("driftguard_record_errors_total", "Record calls rejected.", []string{"reason"})
	c.counter("driftguard_decisions_total", "Decisions served, by action.", []string{"action"})
	c.counter("driftguard_transitions_total", "Decision state transitions, by new state.", []string{"state"})
	c.counter("driftguard_campaigns_confirmed_total", "Campaigns crossing the confirmation threshold.", nil)
	c.counter("driftguard_evictions_total", "Identities evicted past the retention horizon.", nil)
	c.counter("driftguard_eval_panics_total", "Per-identity evaluation panics isolated.", nil)
	c.gauge("driftguard_identities", "Identities currently tracked.", nil)
	c.gauge("driftguard_campaigns", "Campaigns in the latest correlation pass.", nil)
	c.histogram("driftguard_cycle_seconds", "Evaluation cycle duration.", nil,
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5})
	return c
}

// Registry exposes the underlying registry for promhttp.
func (c *PrometheusCollector) Registry() *prometheus.Registry { return c.registry }

func (c *PrometheusCollector) counter(name, help string, labels []string) {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	c.registry.MustRegister(v)
	c.counters[name] = v
}

func (c *PrometheusCollector) gauge(name, help string, labels []string) {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	c.registry.MustRegister(v)
	c.gauges[name] = v
}

func (c *PrometheusCollector) histogram(name, help string, labels []string, buckets []float64) {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	c.registry.MustRegister(v)
	c.histograms[name] = v
}

func (c *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	if v, ok := c.counters[name]; ok {
		v.With(prometheus.Labels(labels)).Inc()
	}
}

func (c *PrometheusCollector) IncrementCounterBy(name string, value float64, labels map[string]string) {
	if v, ok := c.counters[name]; ok {
		v.With(prometheus.Labels(labels)).Add(value)
	}
}

func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	if v, ok := c.gauges[name]; ok {
		v.With(prometheus.Labels(labels)).Set(value)
	}
}

func (c *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	if v, ok := c.histograms[name]; ok {
		v.With(prometheus.Labels(labels)).Observe(value)
	}
}
