// Package metrics provides Prometheus metrics for report capture and dispatch
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks capture and dispatch counts and syncs them with Prometheus
type Metrics struct {
	mu         sync.RWMutex
	captures   map[string]int64
	dispatches map[string]int64
	bindings   map[string]int64
	fallbacks  int64
}

// New creates a metrics collector
func New() *Metrics {
	return &Metrics{
		captures:   make(map[string]int64),
		dispatches: make(map[string]int64),
		bindings:   make(map[string]int64),
	}
}

// RecordCapture records the outcome of one capture call
func (m *Metrics) RecordCapture(outcome string) {
	m.mu.Lock()
	m.captures[outcome]++
	m.mu.Unlock()
	capturesTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch records a dispatch result and how long the sink took.
// A zero duration means the sink was never called.
func (m *Metrics) RecordDispatch(status string, took time.Duration) {
	m.mu.Lock()
	m.dispatches[status]++
	m.mu.Unlock()
	dispatchTotal.WithLabelValues(status).Inc()
	if took > 0 {
		dispatchDuration.Observe(took.Seconds())
	}
}

// RecordBinding records the outcome of one variable binding
func (m *Metrics) RecordBinding(outcome string) {
	m.mu.Lock()
	m.bindings[outcome]++
	m.mu.Unlock()
	bindingsTotal.WithLabelValues(outcome).Inc()
}

// RecordHighlightFallbacks records source blocks rendered without highlighting
func (m *Metrics) RecordHighlightFallbacks(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.fallbacks += int64(n)
	m.mu.Unlock()
	highlightFallbacks.Add(float64(n))
}

// SetQueueDepth reports the async dispatch queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	asyncQueueDepth.Set(float64(depth))
}

// GetSnapshot returns a snapshot of current counts
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[string]int64{"highlight_fallbacks": m.fallbacks}
	for k, v := range m.captures {
		out["captures_"+k] = v
	}
	for k, v := range m.dispatches {
		out["dispatch_"+k] = v
	}
	for k, v := range m.bindings {
		out["bindings_"+k] = v
	}
	return out
}

// Register adds the collectors to reg. Registering twice with the same
// registry is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

var (
	capturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exceptionmailer_captures_total",
			Help: "Total number of capture calls by outcome",
		},
		[]string{"outcome"},
	)

	bindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exceptionmailer_bindings_total",
			Help: "Total number of variable bindings by outcome",
		},
		[]string{"outcome"},
	)

	highlightFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exceptionmailer_highlight_fallbacks_total",
			Help: "Total number of source blocks rendered without highlighting",
		},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exceptionmailer_dispatch_total",
			Help: "Total number of report dispatches by status",
		},
		[]string{"status"},
	)

	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exceptionmailer_dispatch_duration_seconds",
			Help:    "Time spent handing a report to the mail sink",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	asyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exceptionmailer_async_queue_depth",
			Help: "Current depth of the async dispatch queue",
		},
	)

	collectors = []prometheus.Collector{
		capturesTotal,
		bindingsTotal,
		highlightFallbacks,
		dispatchTotal,
		dispatchDuration,
		asyncQueueDepth,
	}
)
