// Package source defines the frame acquisition contract consumed by the
// tick loop.
//
// Concrete capture devices (cameras, video decoders) live outside this
// module; they only need to satisfy Source. The synthetic generator in this
// package exists to exercise the contract from tests and the demo binary.
package source

import (
	"context"

	"github.com/strawlab/microfview/frame"
)

// Info describes a source's frame geometry. Display sinks use it for window
// sizing; the tick loop uses Color for the grayscale conversion decision.
type Info struct {
	Name   string
	Width  int
	Height int
	FPS    float64
	Color  bool
}

// Source supplies frames to the tick loop.
//
// Next blocks until a frame is available and returns it together with its
// capture context. At exhaustion it returns errors.ErrEndOfStream (possibly
// wrapped). Transient acquisition faults are reported as errors satisfying
// errors.IsTransient; the tick loop logs those and skips the tick. Any other
// error aborts the run.
type Source interface {
	Next(ctx context.Context) (*frame.Frame, error)
	Info() Info
	Close() error
}
