package plugin

import (
	"log/slog"
	"sync"
	"time"

	"github.com/strawlab/microfview/errors"
	"github.com/strawlab/microfview/source"
)

// workerResult is what the worker goroutine hands back through the single
// result slot.
type workerResult struct {
	result  Result
	err     error
	elapsed time.Duration
}

// Worker runs an inner plugin on a dedicated goroutine with drop-when-busy
// backpressure, so a slow unit of work skips frames instead of stalling the
// tick loop.
//
// Both queues hold a single element. Push try-sends the tick into the
// argument slot (a full slot means the worker is busy and the frame is
// dropped) and then try-receives the result slot (an empty slot yields the
// Busy marker). The worker therefore never holds two pending inputs and
// never returns results out of order relative to its own inputs.
type Worker struct {
	inner     Plugin
	logger    *slog.Logger
	propagate bool

	args    chan Tick
	results chan workerResult
	quit    chan struct{}
	done    chan struct{}

	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithErrorPropagation delivers inner-plugin errors through the result slot
// so the scheduler goroutine re-raises them on its next push. Without it,
// errors are logged and the worker keeps running; a single bad frame must
// not kill a long-running worker. Worker-backed chains enable this.
func WithErrorPropagation() WorkerOption {
	return func(w *Worker) { w.propagate = true }
}

// NewWorker wraps an inner plugin for drop-when-busy execution. The worker
// advertises the inner plugin's identifier, period and capability flags.
func NewWorker(inner Plugin, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		inner:   inner,
		logger:  logger,
		args:    make(chan Tick, 1),
		results: make(chan workerResult, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Identifier implements Plugin.
func (w *Worker) Identifier() string { return w.inner.Identifier() }

// Every implements Plugin.
func (w *Worker) Every() int { return w.inner.Every() }

// RequiresColor implements Plugin.
func (w *Worker) RequiresColor() bool { return w.inner.RequiresColor() }

// ShowsUI implements Plugin.
func (w *Worker) ShowsUI() bool { return w.inner.ShowsUI() }

// Start implements Plugin. It starts the inner plugin, then the worker
// goroutine.
func (w *Worker) Start(info source.Info) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if w.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Worker", "Start", w.Identifier())
	}

	if err := w.inner.Start(info); err != nil {
		return errors.Wrap(err, "Worker", "Start", "start inner plugin")
	}

	w.started = true
	go w.loop()

	w.logger.Debug("worker started", "plugin", w.Identifier())
	return nil
}

// Push implements Plugin. It never blocks: a busy argument slot drops the
// frame, an empty result slot yields the Busy marker.
//
// The tick crosses a goroutine boundary here, so the live state must not go
// with it. The inner plugin runs against a point-in-time clone and hands its
// contribution back through the result slot; the caller merges that delta on
// its own goroutine.
func (w *Worker) Push(t Tick) (Result, error) {
	if t.State != nil {
		t.State = t.State.Clone()
	}

	select {
	case w.args <- t:
	default:
		// Worker still holds an unconsumed input; drop this frame.
	}

	select {
	case res := <-w.results:
		if res.err != nil {
			return NoUpdate(), res.err
		}
		return res.result, nil
	default:
		return Busy(), nil
	}
}

// Stop implements Plugin. It signals the worker goroutine to exit, waits
// for it, then stops the inner plugin. An in-flight computation completes
// before the goroutine observes the signal.
func (w *Worker) Stop() error {
	w.startMu.Lock()
	started := w.started
	w.startMu.Unlock()

	w.stopOnce.Do(func() { close(w.quit) })
	if started {
		<-w.done
	}

	if err := w.inner.Stop(); err != nil {
		return errors.Wrap(err, "Worker", "Stop", "stop inner plugin")
	}
	return nil
}

// loop is the worker goroutine: blocking dequeue, run the inner computation,
// deliver the timed result.
func (w *Worker) loop() {
	defer close(w.done)

	for {
		select {
		case <-w.quit:
			return
		case t := <-w.args:
			start := time.Now()
			res, err := w.inner.Push(t)
			elapsed := time.Since(start)

			if err != nil {
				if w.propagate {
					if !w.deliver(workerResult{err: err, elapsed: elapsed}) {
						return
					}
				} else {
					w.logger.Error("worker push failed",
						"plugin", w.Identifier(),
						"seq", t.Seq,
						"error", err)
				}
				continue
			}

			if !w.deliver(workerResult{result: res, elapsed: elapsed}) {
				return
			}

			// The completion signal terminates the worker loop.
			if res.Kind == KindFinished {
				w.logger.Debug("worker finished", "plugin", w.Identifier())
				return
			}
		}
	}
}

// deliver blocks until the result slot is free or the worker is stopped.
// The slot holds at most one outstanding result, so this only blocks when
// the consumer has not drained the previous one yet.
func (w *Worker) deliver(res workerResult) bool {
	select {
	case w.results <- res:
		return true
	case <-w.quit:
		return false
	}
}
