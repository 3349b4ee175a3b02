// Package prometheus exposes the machina runtime's operation counters
// through a Prometheus registry. The Metrics type satisfies
// machine.Metrics, so wiring it up is one option:
//
//	m, _ := machine.New(def, machine.WithMetrics(prometheus.GetMetrics()))
//	http.Handle("/metrics", prometheus.Handler())
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/machinaio/machina/pkg/machine"
)

var (
	// DefaultRegistry is the registry Handler serves.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer stamps every metric with the service label.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "machina"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the machina Prometheus metrics.
type Metrics struct {
	// Send metrics, labelled by machine id and outcome (ok, validation,
	// error).
	SendsTotal   *prometheus.CounterVec
	SendDuration *prometheus.HistogramVec

	// Event log metrics.
	EventsAppendedTotal *prometheus.CounterVec

	// Restore metrics, labelled by source (log, archive).
	RestoresTotal *prometheus.CounterVec

	// Instance lock wait time.
	LockWaitDuration *prometheus.HistogramVec

	// Custom metrics registry.
	registerer       prometheus.Registerer
	customCounters   map[string]*prometheus.CounterVec
	customGauges     map[string]*prometheus.GaugeVec
	customHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex
}

// GetMetrics returns the shared metrics instance bound to
// DefaultRegisterer.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics registers the machina metrics with registerer. A nil
// registerer falls back to DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		SendsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "machina_sends_total",
				Help: "Total number of events sent to machine instances",
			},
			[]string{"machine", "outcome"},
		),
		SendDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "machina_send_duration_seconds",
				Help:    "Send duration in seconds, including lock wait and persistence",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"machine"},
		),
		EventsAppendedTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "machina_events_appended_total",
				Help: "Total number of records appended to the event log",
			},
			[]string{"machine"},
		),
		RestoresTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "machina_restores_total",
				Help: "Total number of instance restorations by source",
			},
			[]string{"machine", "source"},
		),
		LockWaitDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "machina_lock_wait_seconds",
				Help:    "Time spent waiting for the instance lock",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"machine"},
		),

		registerer:       registerer,
		customCounters:   make(map[string]*prometheus.CounterVec),
		customGauges:     make(map[string]*prometheus.GaugeVec),
		customHistograms: make(map[string]*prometheus.HistogramVec),
	}
}

// SendObserved records the outcome and duration of one send.
func (m *Metrics) SendObserved(machineID, outcome string, elapsed time.Duration) {
	m.SendsTotal.WithLabelValues(machineID, outcome).Inc()
	m.SendDuration.WithLabelValues(machineID).Observe(elapsed.Seconds())
}

// EventsAppended records a persisted record batch.
func (m *Metrics) EventsAppended(machineID string, count int) {
	m.EventsAppendedTotal.WithLabelValues(machineID).Add(float64(count))
}

// RestoreObserved records an instance restoration and where the history
// came from.
func (m *Metrics) RestoreObserved(machineID, source string) {
	m.RestoresTotal.WithLabelValues(machineID, source).Inc()
}

// LockWaitObserved records how long a send waited for the instance
// lock.
func (m *Metrics) LockWaitObserved(machineID string, elapsed time.Duration) {
	m.LockWaitDuration.WithLabelValues(machineID).Observe(elapsed.Seconds())
}

var _ machine.Metrics = (*Metrics)(nil)

// Counter creates or returns a custom counter metric.
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.customCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if counter, exists := m.customCounters[name]; exists {
		return counter
	}

	counter := promauto.With(m.registerer).NewCounterVec(
		prometheus.CounterOpts{Name: name, Help: help},
		labels,
	)
	m.customCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric.
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.customGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if gauge, exists := m.customGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(m.registerer).NewGaugeVec(
		prometheus.GaugeOpts{Name: name, Help: help},
		labels,
	)
	m.customGauges[name] = gauge
	return gauge
}

// Histogram creates or returns a custom histogram metric. Nil buckets
// use the Prometheus defaults.
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if histogram, exists := m.customHistograms[name]; exists {
		m.customMu.RUnlock()
		return histogram
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if histogram, exists := m.customHistograms[name]; exists {
		return histogram
	}

	opts := prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(m.registerer).NewHistogramVec(opts, labels)
	m.customHistograms[name] = histogram
	return histogram
}
