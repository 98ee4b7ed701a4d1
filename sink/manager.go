package sink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/strawlab/microfview/errors"
)

// Manager fans per-tick results out to the attached sinks.
//
// The store path is the only structure touched from more than one goroutine
// (the tick loop plus any worker-backed plugin delivering late results), so
// every method serializes on a single mutex. The lock is held only for the
// duration of the fan-out call itself; sinks that perform asynchronous I/O
// must do so on their own goroutines.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger
	sinks  []Sink
	opened bool
	closed bool
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Attach registers a sink. Sinks must be attached before Open.
func (m *Manager) Attach(s Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Attach", "attach after open")
	}
	if s == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Attach", "nil sink")
	}
	m.sinks = append(m.sinks, s)
	return nil
}

// Len returns the number of attached sinks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks)
}

// Open opens every sink with the run schema. A sink that fails to open is
// dropped from the fan-out so one broken consumer does not take down the run.
func (m *Manager) Open(schema Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Open", "already open")
	}
	m.opened = true

	kept := m.sinks[:0]
	for _, s := range m.sinks {
		if err := s.Open(schema); err != nil {
			m.logger.Error("sink open failed, dropping sink", "error", err)
			continue
		}
		kept = append(kept, s)
	}
	m.sinks = kept
	return nil
}

// BeginFrame notifies every sink that a new frame starts. Sink errors are
// logged and do not interrupt the fan-out.
func (m *Manager) BeginFrame(seq int64, timestamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sinks {
		if err := s.BeginFrame(seq, timestamp); err != nil {
			m.logger.Error("sink begin frame failed", "seq", seq, "error", err)
		}
	}
}

// Store delivers one plugin contribution to every sink. Safe for concurrent
// callers.
func (m *Manager) Store(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sinks {
		if err := s.Store(rec); err != nil {
			m.logger.Error("sink store failed",
				"plugin", rec.Plugin,
				"seq", rec.Seq,
				"error", err)
		}
	}
}

// EndFrame finishes the frame on every sink and returns the last control
// input any of them captured, or NoKey.
func (m *Manager) EndFrame() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NoKey
	for _, s := range m.sinks {
		k, err := s.EndFrame()
		if err != nil {
			m.logger.Error("sink end frame failed", "error", err)
			continue
		}
		if k != NoKey {
			key = k
		}
	}
	return key
}

// Close closes every sink exactly once. Every sink's Close is attempted even
// when earlier ones fail; the first error is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			m.logger.Error("sink close failed", "error", err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, "Manager", "Close", "close sink")
			}
		}
	}
	m.sinks = nil
	return firstErr
}
