// Package metrics provides Prometheus-backed metrics collection for scanfleet.
// Metrics are addressed by name and labels through Recorder; the
// underlying collectors are created on first use and exposed via Handler.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace for all scanfleet metrics.
const namespace = "scanfleet"

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Labels    Labels
	Timestamp time.Time
}

// collector is a registered Prometheus vector and the label names it was created with.
type collector struct {
	kind       MetricType
	labelNames []string
	counter    *prometheus.CounterVec
	gauge      *prometheus.GaugeVec
	histogram  *prometheus.HistogramVec
}

// Registry holds all metrics and provides collection functionality.
type Registry struct {
	mu         sync.RWMutex
	enabled    bool
	promReg    *prometheus.Registry
	collectors map[string]*collector
	snapshot   map[string]*Metric
}

// NewRegistry creates a new metrics registry with Go runtime and process
// collectors registered.
func NewRegistry() *Registry {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		enabled:    true,
		promReg:    promReg,
		collectors: make(map[string]*collector),
		snapshot:   make(map[string]*Metric),
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	r.record(name, TypeCounter, 1, labels)
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	r.record(name, TypeGauge, value, labels)
}

// Histogram records a value in a histogram metric.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	r.record(name, TypeHistogram, value, labels)
}

func (r *Registry) record(name string, kind MetricType, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	key := makeKey(name, labels)
	now := time.Now()
	if m, ok := r.snapshot[key]; ok && kind == TypeCounter {
		m.Value += value
		m.Timestamp = now
	} else {
		r.snapshot[key] = &Metric{Name: name, Type: kind, Value: value, Labels: copyLabels(labels), Timestamp: now}
	}

	c := r.collectorFor(name, kind, labels)
	if c == nil {
		return
	}
	values := make([]string, len(c.labelNames))
	for i, ln := range c.labelNames {
		values[i] = labels[ln]
	}

	switch kind {
	case TypeCounter:
		c.counter.WithLabelValues(values...).Add(value)
	case TypeGauge:
		c.gauge.WithLabelValues(values...).Set(value)
	case TypeHistogram:
		c.histogram.WithLabelValues(values...).Observe(value)
	}
}

// collectorFor returns the vector for name, creating it on first use. It
// returns nil when name was first used with a different type or label set,
// since Prometheus requires both to be fixed per metric. Caller holds mu.
func (r *Registry) collectorFor(name string, kind MetricType, labels Labels) *collector {
	names := labelNames(labels)
	if c, ok := r.collectors[name]; ok {
		if c.kind != kind || strings.Join(c.labelNames, ",") != strings.Join(names, ",") {
			return nil
		}
		return c
	}

	c := &collector{kind: kind, labelNames: names}
	var err error
	switch kind {
	case TypeCounter:
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: "scanfleet counter " + name,
		}, names)
		err = r.promReg.Register(c.counter)
	case TypeGauge:
		c.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: "scanfleet gauge " + name,
		}, names)
		err = r.promReg.Register(c.gauge)
	case TypeHistogram:
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: name, Help: "scanfleet histogram " + name,
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		}, names)
		err = r.promReg.Register(c.histogram)
	}
	if err != nil {
		return nil
	}

	r.collectors[name] = c
	return c
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.snapshot))
	for key, m := range r.snapshot {
		result[key] = &Metric{
			Name:      m.Name,
			Type:      m.Type,
			Value:     m.Value,
			Labels:    copyLabels(m.Labels),
			Timestamp: m.Timestamp,
		}
	}
	return result
}

// Gatherer exposes the underlying Prometheus registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.promReg
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.promReg, promhttp.HandlerOpts{})
}

// makeKey creates a stable key for a metric based on name and labels.
func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	for _, k := range labelNames(labels) {
		b.WriteString(":" + k + "=" + labels[k])
	}
	return b.String()
}

func labelNames(labels Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// copyLabels creates a copy of labels map.
func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Timer provides a simple way to measure execution time.
type Timer struct {
	registry Recorder
	start    time.Time
	name     string
	labels   Labels
}

// NewTimer creates a new timer recording into registry.
func NewTimer(registry Recorder, name string, labels Labels) *Timer {
	return &Timer{registry: registry, start: time.Now(), name: name, labels: labels}
}

// Stop stops the timer and records the duration as a histogram.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.registry != nil {
		t.registry.Histogram(t.name, d.Seconds(), t.labels)
	}
	return d
}

// Metric names used across scanfleet.
const (
	// Job lifecycle.
	MetricJobsSubmitted    = "jobs_submitted_total"
	MetricDispatchDuration = "dispatch_duration_seconds"
	MetricResultsReceived  = "results_received_total"
	MetricToolsLoaded      = "tools_loaded"

	// Dispatcher service.
	MetricWorkloadsCreated = "workloads_created_total"

	// HTTP.
	MetricHTTPRequests     = "http_requests_total"
	MetricHTTPDuration     = "http_request_duration_seconds"
	MetricHTTPResponseSize = "http_response_size_bytes"
	MetricHTTPErrors       = "http_errors_total"
)

// Common label keys.
const (
	LabelTool   = "tool"
	LabelStatus = "status"
	LabelMethod = "method"
	LabelPath   = "path"
	LabelMode   = "mode"
)
