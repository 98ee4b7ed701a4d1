package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strawlab/microfview/errors"
	"github.com/strawlab/microfview/frame"
	"github.com/strawlab/microfview/metric"
	"github.com/strawlab/microfview/plugin"
	"github.com/strawlab/microfview/sink"
	"github.com/strawlab/microfview/source"
	"github.com/strawlab/microfview/state"
)

// RunState is the engine's lifecycle state.
type RunState int

const (
	// StateIdle means Run has not been entered yet.
	StateIdle RunState = iota
	// StateRunning means the tick loop is active.
	StateRunning
	// StateStopping means a stop was requested; the loop exits at the next
	// tick boundary.
	StateStopping
	// StateStopped means the cleanup sequence completed.
	StateStopped
)

// String returns the string representation of RunState
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// registered tracks one attached plugin's lifecycle so every Start gets
// exactly one matching Stop.
type registered struct {
	p        plugin.Plugin
	started  bool
	stopped  bool
	finished bool
}

// Engine owns the frame source and the ordered plugin list and drives the
// tick loop. Run is entered once; a stopped engine is not reusable.
type Engine struct {
	src     source.Source
	logger  *slog.Logger
	metrics *engineMetrics
	sinks   *sink.Manager

	mu        sync.Mutex
	state     RunState
	plugins   []*registered
	stopAfter int64

	profiler   Profiler
	historyCap int
	history    map[string]*history

	// lastInput is the key input carried into the next tick's seed state.
	// Touched only on the loop goroutine.
	lastInput int

	finished atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables pipeline metrics on the given registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(e *Engine) { e.metrics = newEngineMetrics(registry) }
}

// WithStopAfter bounds the run to n dispatched frames. Zero means unbounded.
func WithStopAfter(n int64) Option {
	return func(e *Engine) { e.stopAfter = n }
}

// WithProfiler attaches a per-tick timing callback.
func WithProfiler(p Profiler) Option {
	return func(e *Engine) { e.profiler = p }
}

// WithProfilerHistory sets the rolling-window capacity per timing name.
func WithProfilerHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

// New creates an engine over the given source.
func New(src source.Source, opts ...Option) *Engine {
	e := &Engine{
		src:        src,
		logger:     slog.Default(),
		historyCap: defaultProfilerHistory,
		history:    make(map[string]*history),
		lastInput:  sink.NoKey,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sinks = sink.NewManager(e.logger)
	return e
}

// Attach registers a plugin for inline execution. Plugins run in attachment
// order each tick, so display plugins belong last where they observe the
// fully merged state. Attach is rejected once Run has been entered.
func (e *Engine) Attach(p plugin.Plugin) error {
	if err := plugin.Validate(p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return errors.WrapInvalid(errors.ErrAlreadyRunning, "Engine", "Attach", "attach after run")
	}
	for _, reg := range e.plugins {
		if reg.p.Identifier() == p.Identifier() {
			return errors.WrapInvalid(errors.ErrDuplicatePlugin, "Engine", "Attach", p.Identifier())
		}
	}

	e.plugins = append(e.plugins, &registered{p: p})
	e.logger.Debug("plugin attached",
		"plugin", p.Identifier(),
		"every", p.Every(),
		"requires_color", p.RequiresColor(),
		"shows_ui", p.ShowsUI())
	return nil
}

// AttachWorker wraps p in a drop-when-busy worker and attaches the worker.
func (e *Engine) AttachWorker(p plugin.Plugin) error {
	if err := plugin.Validate(p); err != nil {
		return err
	}
	return e.Attach(plugin.NewWorker(p, e.logger))
}

// AttachSink registers a result sink. Sinks must be attached before Run.
func (e *Engine) AttachSink(s sink.Sink) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyRunning, "Engine", "AttachSink", "attach after run")
	}
	e.mu.Unlock()
	return e.sinks.Attach(s)
}

// AttachProfiler sets the per-tick timing callback. Like plugins and sinks,
// the profiler must be attached before Run.
func (e *Engine) AttachProfiler(p Profiler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return errors.WrapInvalid(errors.ErrAlreadyRunning, "Engine", "AttachProfiler", "attach after run")
	}
	e.profiler = p
	return nil
}

// Stop requests the tick loop to exit at the next tick boundary. It does not
// block; callers needing synchronous shutdown poll Finished.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		e.state = StateStopping
		e.metrics.recordStatus(StateStopping)
		e.logger.Info("stop requested")
	}
}

// Finished reports whether the run completed, including its cleanup
// sequence.
func (e *Engine) Finished() bool { return e.finished.Load() }

// State returns the engine's current run state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run drives the tick loop until end-of-stream, an external stop, context
// cancellation, an aborting plugin error, an empty plugin list, or the frame
// bound. It is not reentrant. On every exit path all started plugins are
// stopped exactly once and the sink manager is closed.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyRunning, "Engine", "Run", "run state check")
	}
	e.state = StateRunning
	plugins := append([]*registered(nil), e.plugins...)
	e.mu.Unlock()

	e.metrics.recordStatus(StateRunning)
	defer e.cleanup()

	info := e.src.Info()

	ids := make([]string, len(plugins))
	for i, reg := range plugins {
		ids[i] = reg.p.Identifier()
	}
	schema := sink.Schema{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Source:    info,
		Plugins:   ids,
		Keys:      state.AccumulatingKeys(),
	}
	if err := e.sinks.Open(schema); err != nil {
		return errors.Wrap(err, "Engine", "Run", "open sinks")
	}

	e.logger.Info("run starting",
		"run_id", schema.RunID,
		"source", info.Name,
		"plugins", len(plugins),
		"sinks", e.sinks.Len())

	for _, reg := range plugins {
		if err := reg.p.Start(info); err != nil {
			e.metrics.recordError(reg.p.Identifier(), errors.Classify(err).String())
			return errors.Wrap(err, "Engine", "Run",
				fmt.Sprintf("start plugin %s", reg.p.Identifier()))
		}
		reg.started = true
	}

	return e.loop(ctx)
}

// loop is the tick loop. It runs entirely on the Run goroutine.
func (e *Engine) loop(ctx context.Context) error {
	anyUI := false
	needColor := false
	e.mu.Lock()
	for _, reg := range e.plugins {
		anyUI = anyUI || reg.p.ShowsUI()
		needColor = needColor || reg.p.RequiresColor()
	}
	e.mu.Unlock()

	var (
		count        int64
		expectedSeq  int64 = -1
		colorDecided bool
		toGray       bool
	)

	for {
		acquireStart := time.Now()
		f, err := e.src.Next(ctx)
		acquireElapsed := time.Since(acquireStart)

		if err != nil {
			switch {
			case stderrors.Is(err, errors.ErrEndOfStream):
				e.logger.Info("end of stream", "frames", count)
				return nil
			case stderrors.Is(err, context.Canceled),
				stderrors.Is(err, context.DeadlineExceeded):
				e.logger.Info("frame acquisition canceled")
				return nil
			case errors.IsTransient(err):
				e.logger.Warn("transient source error, skipping tick", "error", err)
				e.metrics.recordFrameSkipped("transient_error")
				continue
			default:
				e.metrics.recordError("source", errors.Classify(err).String())
				return errors.Wrap(err, "Engine", "Run", "acquire frame")
			}
		}
		if f == nil || f.Image == nil {
			e.logger.Warn("invalid frame from source, skipping tick")
			e.metrics.recordFrameSkipped("nil_frame")
			continue
		}
		e.metrics.recordFrameReceived()

		// The color decision is made once, off the first delivered frame:
		// converting per tick only pays off when no plugin wants color.
		if !colorDecided {
			colorDecided = true
			toGray = f.IsColor() && !needColor
			if toGray {
				e.logger.Info("no plugin requires color, converting frames to grayscale")
			}
		}
		if toGray {
			f = f.Gray()
		}

		count++

		if expectedSeq >= 0 && f.Seq != expectedSeq {
			e.logger.Warn("frame sequence gap",
				"expected", expectedSeq,
				"got", f.Seq)
		}
		expectedSeq = f.Seq + 1

		st := state.New()
		st.Set(state.KeyOriginalFrame, f)
		st.Set(state.KeyMetadata, f.Metadata)
		if e.lastInput != sink.NoKey {
			st.Set(state.KeyInput, e.lastInput)
		}

		e.sinks.BeginFrame(f.Seq, f.Timestamp)

		timings, err := e.dispatch(f, count, st)
		if err != nil {
			return err
		}
		timings["acquire"] = acquireElapsed

		e.removeFinished()

		e.mu.Lock()
		if len(e.plugins) == 0 && e.state == StateRunning {
			e.logger.Info("plugin list empty, stopping")
			e.state = StateStopping
		}
		if e.stopAfter > 0 && count >= e.stopAfter && e.state == StateRunning {
			e.logger.Info("frame bound reached, stopping", "frames", count)
			e.state = StateStopping
		}
		e.mu.Unlock()

		e.profile(timings)

		key := e.sinks.EndFrame()
		if anyUI && key != sink.NoKey {
			e.lastInput = key
		}

		e.metrics.recordTick()

		e.mu.Lock()
		stopping := e.state != StateRunning
		e.mu.Unlock()
		if stopping {
			return nil
		}

		select {
		case <-ctx.Done():
			e.logger.Info("context canceled")
			return nil
		default:
		}
	}
}

// dispatch pushes one frame through the plugin list in order, merging each
// contribution into st and fanning non-empty deltas out to the sinks. A
// plugin replacing the frame changes the buffer seen by subsequent plugins;
// the original stays reachable under state.KeyOriginalFrame.
func (e *Engine) dispatch(f *frame.Frame, count int64, st *state.State) (map[string]time.Duration, error) {
	tickStart := time.Now()
	timings := make(map[string]time.Duration)
	buf := f

	e.mu.Lock()
	plugins := append([]*registered(nil), e.plugins...)
	e.mu.Unlock()

	for _, reg := range plugins {
		if f.Seq%int64(reg.p.Every()) != 0 {
			continue
		}
		name := reg.p.Identifier()

		tick := plugin.Tick{
			Frame:     buf,
			Seq:       f.Seq,
			Count:     count,
			Timestamp: f.Timestamp,
			Now:       tickStart,
			State:     st,
		}

		pushStart := time.Now()
		res, err := reg.p.Push(tick)
		elapsed := time.Since(pushStart)

		if err != nil {
			e.metrics.recordError(name, errors.Classify(err).String())
			return nil, errors.Wrap(err, "Engine", "Run", fmt.Sprintf("push to %s", name))
		}

		switch res.Kind {
		case plugin.KindFinished:
			// Removed after the dispatch pass; excluded from telemetry.
			reg.finished = true
			continue
		case plugin.KindBusy:
			e.metrics.recordPluginBusy(name)
		default:
			if res.HasFrame() {
				buf = res.Frame
			}
			if res.HasDelta() {
				st.Merge(res.Delta)
				e.sinks.Store(sink.Record{
					Plugin:    name,
					Seq:       f.Seq,
					Count:     count,
					Timestamp: f.Timestamp,
					Delta:     res.Delta,
					Frame:     buf,
				})
				e.metrics.recordSinkStore(name)
			}
		}

		timings[name] = elapsed
		e.metrics.recordPluginDuration(name, elapsed)
	}

	timings["total"] = time.Since(tickStart)
	return timings, nil
}

// removeFinished drops plugins that signaled completion during dispatch,
// stopping each exactly once and discarding its telemetry window.
func (e *Engine) removeFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.plugins[:0]
	for _, reg := range e.plugins {
		if !reg.finished {
			kept = append(kept, reg)
			continue
		}

		name := reg.p.Identifier()
		e.logger.Info("plugin finished", "plugin", name)
		reg.stopped = true
		if err := reg.p.Stop(); err != nil {
			e.logger.Error("plugin stop failed", "plugin", name, "error", err)
		}
		delete(e.history, name)
	}
	e.plugins = kept
}

// profile feeds this tick's timings into the rolling windows and invokes
// the profiler callback.
func (e *Engine) profile(timings map[string]time.Duration) {
	if e.profiler == nil {
		return
	}

	for name, d := range timings {
		h, ok := e.history[name]
		if !ok {
			h = newHistory(e.historyCap)
			e.history[name] = h
		}
		h.add(d)
	}

	rolling := make(map[string][]time.Duration, len(e.history))
	for name, h := range e.history {
		rolling[name] = h.values()
	}
	e.profiler(timings, rolling)
}

// cleanup is the single exit path for Run: stop every started plugin
// exactly once, close the sinks, and mark the run finished.
func (e *Engine) cleanup() {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StateStopping
	}
	plugins := append([]*registered(nil), e.plugins...)
	e.mu.Unlock()

	for _, reg := range plugins {
		if !reg.started || reg.stopped {
			continue
		}
		reg.stopped = true
		if err := reg.p.Stop(); err != nil {
			e.logger.Error("plugin stop failed during shutdown",
				"plugin", reg.p.Identifier(),
				"error", err)
		}
	}

	if err := e.sinks.Close(); err != nil {
		e.logger.Error("sink close failed during shutdown", "error", err)
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.metrics.recordStatus(StateStopped)
	e.finished.Store(true)
	e.logger.Info("engine stopped")
}
