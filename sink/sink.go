// Package sink defines the per-tick result consumers and the manager that
// fans results out to them.
package sink

import (
	"time"

	"github.com/strawlab/microfview/frame"
	"github.com/strawlab/microfview/source"
	"github.com/strawlab/microfview/state"
)

// NoKey is the EndFrame return value when a sink captured no control input.
const NoKey = -1

// Schema describes a run to a sink at open time, before any frame arrives.
type Schema struct {
	RunID     string      `json:"run_id"`
	StartedAt time.Time   `json:"started_at"`
	Source    source.Info `json:"source"`
	Plugins   []string    `json:"plugins"`

	// Keys lists the state keys that merge by accumulation, so consumers
	// can tell appended collections from overwritten values.
	Keys []string `json:"accumulating_keys"`
}

// Record is one plugin's contribution within a frame. The pixel buffer is
// carried for sinks that render; serializing sinks skip it.
type Record struct {
	Plugin    string       `json:"plugin"`
	Seq       int64        `json:"seq"`
	Count     int64        `json:"count"`
	Timestamp time.Time    `json:"timestamp"`
	Delta     state.Delta  `json:"delta"`
	Frame     *frame.Frame `json:"-"`
}

// Sink consumes per-tick results.
//
// Lifecycle: Open once before the first frame, then per frame BeginFrame,
// zero or more Store calls (one per contributing plugin), EndFrame, and
// finally Close exactly once, on every exit path. A sink that retains frame
// state past EndFrame must copy it.
type Sink interface {
	Open(schema Schema) error
	BeginFrame(seq int64, timestamp time.Time) error
	Store(rec Record) error

	// EndFrame finishes the frame and reports the last control input the
	// sink captured since the previous EndFrame, or NoKey.
	EndFrame() (int, error)

	Close() error
}
