package engine

import (
	"time"

	"github.com/strawlab/microfview/metric"
)

// engineMetrics wraps the core pipeline metrics with nil-safe recording so
// the tick loop never has to check whether metrics are enabled.
type engineMetrics struct {
	core *metric.Metrics
}

// newEngineMetrics returns nil when no registry is provided; all record
// methods tolerate a nil receiver.
func newEngineMetrics(registry *metric.Registry) *engineMetrics {
	if registry == nil {
		return nil
	}
	return &engineMetrics{core: registry.CoreMetrics()}
}

func (m *engineMetrics) recordStatus(s RunState) {
	if m == nil {
		return
	}
	m.core.RecordEngineStatus(int(s))
}

func (m *engineMetrics) recordFrameReceived() {
	if m == nil {
		return
	}
	m.core.RecordFrameReceived()
}

func (m *engineMetrics) recordFrameSkipped(reason string) {
	if m == nil {
		return
	}
	m.core.RecordFrameSkipped(reason)
}

func (m *engineMetrics) recordTick() {
	if m == nil {
		return
	}
	m.core.RecordTick()
}

func (m *engineMetrics) recordPluginDuration(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.core.RecordPluginDuration(name, d)
}

func (m *engineMetrics) recordPluginBusy(name string) {
	if m == nil {
		return
	}
	m.core.RecordPluginBusy(name)
}

func (m *engineMetrics) recordSinkStore(name string) {
	if m == nil {
		return
	}
	m.core.RecordSinkStore(name)
}

func (m *engineMetrics) recordError(component, class string) {
	if m == nil {
		return
	}
	m.core.RecordError(component, class)
}
