// Package plugin defines the unit-of-work contract for the tick loop and the
// three execution strategies: inline plugins, drop-when-busy workers, and
// sequential chains.
package plugin

import (
	"fmt"
	"time"

	"github.com/strawlab/microfview/errors"
	"github.com/strawlab/microfview/frame"
	"github.com/strawlab/microfview/source"
	"github.com/strawlab/microfview/state"
)

// Tick carries one frame dispatch to a plugin.
type Tick struct {
	// Frame is the current buffer. A plugin earlier in the dispatch order
	// may have replaced the original frame.
	Frame *frame.Frame

	// Seq is the source-reported frame number, used for period gating.
	Seq int64

	// Count is the number of frames dispatched since the run began.
	Count int64

	// Timestamp is the source capture time of the frame.
	Timestamp time.Time

	// Now is the wall-clock time when dispatch for this tick began.
	Now time.Time

	// State is the tick's result map. Inline plugins see the live state and
	// read earlier contributions from it; a worker-wrapped plugin sees a
	// point-in-time clone taken when the tick was handed off, so later
	// scheduler-side contributions are invisible to it. Either way plugins
	// report their own contribution through the Result, never by writing to
	// State directly.
	State *state.State
}

// Kind discriminates the possible outcomes of a push.
type Kind int

const (
	// KindNoUpdate means the plugin contributed nothing this tick.
	KindNoUpdate Kind = iota
	// KindBusy means a worker plugin is still processing an earlier frame.
	KindBusy
	// KindDelta means the plugin contributed state only.
	KindDelta
	// KindFrame means the plugin produced a replacement frame.
	KindFrame
	// KindFrameAndDelta means the plugin produced both.
	KindFrameAndDelta
	// KindFinished means the plugin is done and wants to be removed. It is
	// a control-flow signal, not a contribution.
	KindFinished
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindNoUpdate:
		return "no_update"
	case KindBusy:
		return "busy"
	case KindDelta:
		return "delta"
	case KindFrame:
		return "frame"
	case KindFrameAndDelta:
		return "frame_and_delta"
	case KindFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one push.
type Result struct {
	Kind  Kind
	Frame *frame.Frame
	Delta state.Delta
}

// NoUpdate reports no contribution this tick.
func NoUpdate() Result { return Result{Kind: KindNoUpdate} }

// Busy reports that a worker had no new result yet.
func Busy() Result { return Result{Kind: KindBusy} }

// WithDelta reports a state contribution.
func WithDelta(d state.Delta) Result { return Result{Kind: KindDelta, Delta: d} }

// WithFrame reports a replacement frame for subsequent plugins.
func WithFrame(f *frame.Frame) Result { return Result{Kind: KindFrame, Frame: f} }

// WithFrameAndDelta reports both a replacement frame and a state contribution.
func WithFrameAndDelta(f *frame.Frame, d state.Delta) Result {
	return Result{Kind: KindFrameAndDelta, Frame: f, Delta: d}
}

// Finished signals that the plugin wants to be removed from the run.
func Finished() Result { return Result{Kind: KindFinished} }

// HasDelta reports whether the result carries a non-empty state contribution.
func (r Result) HasDelta() bool {
	return (r.Kind == KindDelta || r.Kind == KindFrameAndDelta) && len(r.Delta) > 0
}

// HasFrame reports whether the result carries a replacement frame.
func (r Result) HasFrame() bool {
	return (r.Kind == KindFrame || r.Kind == KindFrameAndDelta) && r.Frame != nil
}

// Plugin is the unit-of-work contract.
//
// Lifecycle: Start is called once when the run begins, Push zero or more
// times on the scheduler goroutine, and Stop exactly once, on every exit
// path including aborts.
type Plugin interface {
	// Identifier is the plugin's stable name, unique within a run.
	Identifier() string

	// Every is the plugin's period: Push is invoked on ticks where the
	// frame sequence number is divisible by it.
	Every() int

	// RequiresColor reports whether the plugin needs color frames. When no
	// attached plugin requires color, the tick loop converts each frame to
	// grayscale once before dispatch.
	RequiresColor() bool

	// ShowsUI reports whether the plugin presents a user interface. The
	// tick loop only polls sinks for key input when at least one attached
	// plugin shows UI.
	ShowsUI() bool

	Start(info source.Info) error
	Push(t Tick) (Result, error)
	Stop() error
}

// Validate checks the registration-time contract and fails fast with a
// classified error, rather than at first use.
func Validate(p Plugin) error {
	if p == nil {
		return errors.WrapInvalid(errors.ErrInvalidPlugin, "plugin", "Validate", "nil plugin")
	}
	if p.Identifier() == "" {
		return errors.WrapInvalid(errors.ErrInvalidPlugin, "plugin", "Validate", "empty identifier")
	}
	if p.Every() < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: every must be >= 1, got %d", errors.ErrInvalidPlugin, p.Every()),
			"plugin", "Validate", "period check")
	}
	return nil
}

// Base provides identifier, period and capability flags plus no-op lifecycle
// methods. Concrete plugins embed it and implement Push.
type Base struct {
	Name   string
	Period int
	Color  bool
	UI     bool
}

// Identifier implements Plugin.
func (b *Base) Identifier() string { return b.Name }

// Every implements Plugin. An unset period means every tick.
func (b *Base) Every() int {
	if b.Period < 1 {
		return 1
	}
	return b.Period
}

// RequiresColor implements Plugin.
func (b *Base) RequiresColor() bool { return b.Color }

// ShowsUI implements Plugin.
func (b *Base) ShowsUI() bool { return b.UI }

// Start implements Plugin.
func (b *Base) Start(source.Info) error { return nil }

// Stop implements Plugin.
func (b *Base) Stop() error { return nil }

// Func adapts a plain function to an inline Plugin.
type Func struct {
	Base
	PushFunc func(Tick) (Result, error)
}

// NewFunc creates an inline plugin from a push function.
func NewFunc(name string, every int, fn func(Tick) (Result, error)) *Func {
	return &Func{
		Base:     Base{Name: name, Period: every},
		PushFunc: fn,
	}
}

// Push implements Plugin.
func (f *Func) Push(t Tick) (Result, error) {
	if f.PushFunc == nil {
		return NoUpdate(), nil
	}
	return f.PushFunc(t)
}
