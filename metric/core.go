package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core frame-pipeline metrics shared by every run.
type Metrics struct {
	// Engine metrics
	EngineStatus   prometheus.Gauge
	FramesReceived prometheus.Counter
	FramesSkipped  *prometheus.CounterVec
	TicksTotal     prometheus.Counter

	// Plugin metrics
	PluginDuration *prometheus.HistogramVec
	PluginBusy     *prometheus.CounterVec

	// Sink metrics
	SinkStores *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EngineStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "microfview",
				Subsystem: "engine",
				Name:      "status",
				Help:      "Engine run state (0=idle, 1=running, 2=stopping, 3=stopped)",
			},
		),

		FramesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "microfview",
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Total number of frames acquired from the source",
			},
		),

		FramesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microfview",
				Subsystem: "frames",
				Name:      "skipped_total",
				Help:      "Total number of ticks skipped, by reason",
			},
			[]string{"reason"}, // reason: transient_error, nil_frame
		),

		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "microfview",
				Subsystem: "engine",
				Name:      "ticks_total",
				Help:      "Total number of completed ticks",
			},
		),

		PluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "microfview",
				Subsystem: "plugin",
				Name:      "push_duration_seconds",
				Help:      "Per-plugin push duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"plugin"},
		),

		PluginBusy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microfview",
				Subsystem: "plugin",
				Name:      "busy_total",
				Help:      "Ticks on which a worker plugin was still busy and dropped the frame",
			},
			[]string{"plugin"},
		),

		SinkStores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microfview",
				Subsystem: "sink",
				Name:      "stores_total",
				Help:      "Total number of state records fanned out to sinks",
			},
			[]string{"plugin"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microfview",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors, by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

// RecordEngineStatus updates the engine run-state gauge
func (m *Metrics) RecordEngineStatus(status int) {
	m.EngineStatus.Set(float64(status))
}

// RecordFrameReceived increments the acquired-frame counter
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameSkipped increments the skipped-tick counter
func (m *Metrics) RecordFrameSkipped(reason string) {
	m.FramesSkipped.WithLabelValues(reason).Inc()
}

// RecordTick increments the completed-tick counter
func (m *Metrics) RecordTick() {
	m.TicksTotal.Inc()
}

// RecordPluginDuration records one plugin push duration
func (m *Metrics) RecordPluginDuration(plugin string, duration time.Duration) {
	m.PluginDuration.WithLabelValues(plugin).Observe(duration.Seconds())
}

// RecordPluginBusy increments a worker plugin's dropped-frame counter
func (m *Metrics) RecordPluginBusy(plugin string) {
	m.PluginBusy.WithLabelValues(plugin).Inc()
}

// RecordSinkStore increments the per-plugin sink store counter
func (m *Metrics) RecordSinkStore(plugin string) {
	m.SinkStores.WithLabelValues(plugin).Inc()
}

// RecordError increments the error counter
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}
