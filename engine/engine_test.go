package engine

import (
	"context"
	stderrors "errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mferrors "github.com/strawlab/microfview/errors"
	"github.com/strawlab/microfview/frame"
	"github.com/strawlab/microfview/metric"
	"github.com/strawlab/microfview/plugin"
	"github.com/strawlab/microfview/sink"
	"github.com/strawlab/microfview/source"
	"github.com/strawlab/microfview/state"
)

// scriptStep is one scripted Next outcome.
type scriptStep struct {
	frame *frame.Frame
	err   error
}

// scriptSource replays a fixed sequence of frames and errors, then reports
// end-of-stream.
type scriptSource struct {
	mu    sync.Mutex
	steps []scriptStep
	idx   int
	info  source.Info
}

func (s *scriptSource) Next(context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.steps) {
		return nil, mferrors.ErrEndOfStream
	}
	step := s.steps[s.idx]
	s.idx++
	return step.frame, step.err
}

func (s *scriptSource) Info() source.Info { return s.info }
func (s *scriptSource) Close() error      { return nil }

func grayFrame(seq int64) *frame.Frame {
	f := frame.New(image.NewGray(image.Rect(0, 0, 8, 8)), time.Now(), seq)
	f.Metadata = map[string]any{"seq": seq}
	return f
}

func frames(seqs ...int64) []scriptStep {
	steps := make([]scriptStep, len(seqs))
	for i, seq := range seqs {
		steps[i] = scriptStep{frame: grayFrame(seq)}
	}
	return steps
}

// countingPlugin records every push and can finish after a fixed number of
// calls.
type countingPlugin struct {
	plugin.Base
	finishAfter int
	pushes      int32
	stops       int32
	seqs        []int64
	mu          sync.Mutex
}

func (p *countingPlugin) Push(t plugin.Tick) (plugin.Result, error) {
	n := atomic.AddInt32(&p.pushes, 1)
	p.mu.Lock()
	p.seqs = append(p.seqs, t.Seq)
	p.mu.Unlock()
	if p.finishAfter > 0 && int(n) >= p.finishAfter {
		return plugin.Finished(), nil
	}
	return plugin.NoUpdate(), nil
}

func (p *countingPlugin) Stop() error {
	atomic.AddInt32(&p.stops, 1)
	return nil
}

// keySink scripts per-EndFrame key returns and records lifecycle calls.
type keySink struct {
	mu     sync.Mutex
	keys   []int
	idx    int
	opens  int
	closes int
	stores []sink.Record
}

func (k *keySink) Open(sink.Schema) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.opens++
	return nil
}

func (k *keySink) BeginFrame(int64, time.Time) error { return nil }

func (k *keySink) Store(rec sink.Record) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stores = append(k.stores, rec)
	return nil
}

func (k *keySink) EndFrame() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.idx < len(k.keys) {
		key := k.keys[k.idx]
		k.idx++
		return key, nil
	}
	return sink.NoKey, nil
}

func (k *keySink) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closes++
	return nil
}

func TestRunFinishingPluginRemovedMidRun(t *testing.T) {
	src := &scriptSource{steps: frames(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)}
	finishing := &countingPlugin{Base: plugin.Base{Name: "finishing"}, finishAfter: 5}
	observer := &countingPlugin{Base: plugin.Base{Name: "observer"}}

	e := New(src)
	require.NoError(t, e.Attach(finishing))
	require.NoError(t, e.Attach(observer))

	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, int32(5), atomic.LoadInt32(&finishing.pushes), "finished plugin is never invoked again")
	assert.Equal(t, int32(1), atomic.LoadInt32(&finishing.stops), "finished plugin stopped exactly once")
	assert.Equal(t, int32(10), atomic.LoadInt32(&observer.pushes), "run continues to end-of-stream without the finished plugin")
	assert.Equal(t, int32(1), atomic.LoadInt32(&observer.stops))
	assert.True(t, e.Finished())
	assert.Equal(t, StateStopped, e.State())
}

func TestPeriodGating(t *testing.T) {
	src := &scriptSource{steps: frames(1, 2, 3, 4)}
	everyTick := &countingPlugin{Base: plugin.Base{Name: "p1", Period: 1}}
	everySecond := &countingPlugin{Base: plugin.Base{Name: "p2", Period: 2}}

	e := New(src)
	require.NoError(t, e.Attach(everyTick))
	require.NoError(t, e.Attach(everySecond))
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, int32(4), atomic.LoadInt32(&everyTick.pushes))
	assert.Equal(t, int32(2), atomic.LoadInt32(&everySecond.pushes))
	assert.Equal(t, []int64{2, 4}, everySecond.seqs)
}

// overlapPlugin is a deliberately slow plugin that detects concurrent pushes.
type overlapPlugin struct {
	plugin.Base
	delay    time.Duration
	active   int32
	overlaps int32
	results  int32
	stops    int32
}

func (p *overlapPlugin) Push(plugin.Tick) (plugin.Result, error) {
	if atomic.AddInt32(&p.active, 1) > 1 {
		atomic.AddInt32(&p.overlaps, 1)
	}
	time.Sleep(p.delay)
	atomic.AddInt32(&p.active, -1)
	atomic.AddInt32(&p.results, 1)
	return plugin.WithDelta(state.Delta{"slow.done": true}), nil
}

func (p *overlapPlugin) Stop() error {
	atomic.AddInt32(&p.stops, 1)
	return nil
}

func TestWorkerPluginUnderSustainedLoad(t *testing.T) {
	src := &scriptSource{steps: frames(seqRange(1, 20)...)}
	slow := &overlapPlugin{Base: plugin.Base{Name: "slow"}, delay: 3 * time.Millisecond}

	e := New(src)
	require.NoError(t, e.AttachWorker(slow))
	require.NoError(t, e.Run(context.Background()))

	assert.LessOrEqual(t, atomic.LoadInt32(&slow.results), int32(20))
	assert.Zero(t, atomic.LoadInt32(&slow.overlaps), "worker never processes two inputs concurrently")
	assert.Equal(t, int32(1), atomic.LoadInt32(&slow.stops))
	assert.True(t, e.Finished())
}

func TestWorkerBackedChainAlongsideInlinePlugin(t *testing.T) {
	src := &scriptSource{steps: frames(seqRange(1, 30)...)}

	// The chain runs on the worker goroutine while the scheduler merges the
	// inline plugin's deltas into the live tick state. The chain works
	// against its own clone, so the interleaving is race-free and its
	// contribution only lands through the returned delta.
	offloaded := plugin.NewChain("offloaded", nil,
		plugin.NewFunc("emit", 1, func(plugin.Tick) (plugin.Result, error) {
			time.Sleep(time.Millisecond)
			return plugin.WithDelta(state.Delta{"chain.y": 1}), nil
		}),
	)
	inline := plugin.NewFunc("inline", 1, func(t plugin.Tick) (plugin.Result, error) {
		return plugin.WithDelta(state.Delta{"inline.x": t.Seq}), nil
	})
	ks := &keySink{}

	e := New(src)
	require.NoError(t, e.Attach(offloaded.AsWorker(nil)))
	require.NoError(t, e.Attach(inline))
	require.NoError(t, e.AttachSink(ks))
	require.NoError(t, e.Run(context.Background()))

	var chainRecords, inlineRecords int
	for _, rec := range ks.stores {
		switch rec.Plugin {
		case "offloaded":
			chainRecords++
			assert.Equal(t, 1, rec.Delta["chain.y"])
		case "inline":
			inlineRecords++
		}
	}
	assert.Equal(t, 30, inlineRecords)
	assert.Positive(t, chainRecords, "the offloaded chain contributed results")
	assert.LessOrEqual(t, chainRecords, 30)
	assert.True(t, e.Finished())
}

func seqRange(from, to int64) []int64 {
	var out []int64
	for seq := from; seq <= to; seq++ {
		out = append(out, seq)
	}
	return out
}

func TestInlinePluginErrorAbortsWithCleanup(t *testing.T) {
	boom := stderrors.New("boom")
	src := &scriptSource{steps: frames(1, 2, 3, 4, 5)}

	failing := plugin.NewFunc("failing", 1, func(t plugin.Tick) (plugin.Result, error) {
		if t.Seq == 3 {
			return plugin.NoUpdate(), boom
		}
		return plugin.NoUpdate(), nil
	})
	bystander := &countingPlugin{Base: plugin.Base{Name: "bystander"}}
	ks := &keySink{}

	e := New(src)
	require.NoError(t, e.Attach(failing))
	require.NoError(t, e.Attach(bystander))
	require.NoError(t, e.AttachSink(ks))

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, int32(1), atomic.LoadInt32(&bystander.stops), "cleanup stops the other plugins")
	assert.Equal(t, 1, ks.closes, "sinks close even on an aborted run")
	assert.True(t, e.Finished())
	assert.Equal(t, StateStopped, e.State())
}

func TestEmptyPluginListStopsEngine(t *testing.T) {
	src := &scriptSource{steps: frames(seqRange(1, 100)...)}

	e := New(src)
	require.NoError(t, e.Run(context.Background()))

	assert.True(t, e.Finished())
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.idx, "the engine stops after the first tick with nothing to dispatch")
}

func TestStopAfterFrameBound(t *testing.T) {
	src := &scriptSource{steps: frames(seqRange(1, 100)...)}
	p := &countingPlugin{Base: plugin.Base{Name: "p"}}

	e := New(src, WithStopAfter(3))
	require.NoError(t, e.Attach(p))
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, int32(3), atomic.LoadInt32(&p.pushes))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.stops))
}

func TestExternalStop(t *testing.T) {
	src := source.NewSynth(source.WithSize(8, 8), source.WithFPS(200))
	p := &countingPlugin{Base: plugin.Base{Name: "p"}}

	e := New(src)
	require.NoError(t, e.Attach(p))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&p.pushes) > 0
	}, time.Second, time.Millisecond)

	e.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not exit after stop")
	}
	assert.True(t, e.Finished())
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.stops))
}

func TestRunNotReentrant(t *testing.T) {
	src := &scriptSource{steps: frames(1)}
	e := New(src)
	require.NoError(t, e.Run(context.Background()))

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mferrors.ErrAlreadyRunning)
}

func TestAttachValidation(t *testing.T) {
	e := New(&scriptSource{})

	require.Error(t, e.Attach(nil))

	require.NoError(t, e.Attach(plugin.NewFunc("p", 1, nil)))
	err := e.Attach(plugin.NewFunc("p", 2, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, mferrors.ErrDuplicatePlugin)
}

func TestAttachAfterRunRejected(t *testing.T) {
	src := &scriptSource{steps: frames(1)}
	e := New(src)
	require.NoError(t, e.Attach(&countingPlugin{Base: plugin.Base{Name: "p"}}))
	require.NoError(t, e.Run(context.Background()))

	require.Error(t, e.Attach(plugin.NewFunc("late", 1, nil)))
	require.Error(t, e.AttachSink(&keySink{}))
}

func TestTransientSourceErrorSkipsTick(t *testing.T) {
	steps := []scriptStep{
		{frame: grayFrame(1)},
		{err: mferrors.WrapTransient(stderrors.New("glitch"), "camera", "Next", "grab")},
		{frame: grayFrame(2)},
		{frame: nil}, // invalid frame, also skipped
		{frame: grayFrame(3)},
	}
	src := &scriptSource{steps: steps}
	p := &countingPlugin{Base: plugin.Base{Name: "p"}}

	e := New(src)
	require.NoError(t, e.Attach(p))
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, int32(3), atomic.LoadInt32(&p.pushes))
	assert.Equal(t, []int64{1, 2, 3}, p.seqs)
}

func TestFatalSourceErrorAbortsRun(t *testing.T) {
	boom := stderrors.New("device detached")
	src := &scriptSource{steps: []scriptStep{
		{frame: grayFrame(1)},
		{err: boom},
	}}
	p := &countingPlugin{Base: plugin.Base{Name: "p"}}

	e := New(src)
	require.NoError(t, e.Attach(p))

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.stops), "cleanup runs on abort")
}

func TestSequenceGapDoesNotAbort(t *testing.T) {
	src := &scriptSource{steps: frames(1, 2, 7, 8)}
	p := &countingPlugin{Base: plugin.Base{Name: "p"}}

	e := New(src)
	require.NoError(t, e.Attach(p))
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, []int64{1, 2, 7, 8}, p.seqs)
}

func TestStateSeededEachTick(t *testing.T) {
	src := &scriptSource{steps: frames(1, 2)}

	var sawFrame, sawMetadata bool
	probe := plugin.NewFunc("probe", 1, func(t plugin.Tick) (plugin.Result, error) {
		_, sawFrame = t.State.Get(state.KeyOriginalFrame)
		_, sawMetadata = t.State.Get(state.KeyMetadata)
		return plugin.NoUpdate(), nil
	})

	e := New(src)
	require.NoError(t, e.Attach(probe))
	require.NoError(t, e.Run(context.Background()))

	assert.True(t, sawFrame)
	assert.True(t, sawMetadata)
}

func TestKeyInputPersistsAcrossTicks(t *testing.T) {
	src := &scriptSource{steps: frames(1, 2, 3)}

	inputs := make(map[int64]any)
	ui := &plugin.Func{
		Base: plugin.Base{Name: "ui", UI: true},
		PushFunc: func(t plugin.Tick) (plugin.Result, error) {
			if v, ok := t.State.Get(state.KeyInput); ok {
				inputs[t.Seq] = v
			}
			return plugin.NoUpdate(), nil
		},
	}
	ks := &keySink{keys: []int{'q'}}

	e := New(src)
	require.NoError(t, e.Attach(ui))
	require.NoError(t, e.AttachSink(ks))
	require.NoError(t, e.Run(context.Background()))

	assert.NotContains(t, inputs, int64(1), "no input before the first end frame")
	assert.Equal(t, int('q'), inputs[2])
	assert.Equal(t, int('q'), inputs[3], "key input persists until replaced")
}

func TestDeltasFanOutToSinks(t *testing.T) {
	src := &scriptSource{steps: frames(1, 2)}
	detect := plugin.NewFunc("detect", 1, func(t plugin.Tick) (plugin.Result, error) {
		return plugin.WithDelta(state.Delta{"detect.seq": t.Seq}), nil
	})
	quiet := plugin.NewFunc("quiet", 1, nil)
	ks := &keySink{}

	e := New(src)
	require.NoError(t, e.Attach(detect))
	require.NoError(t, e.Attach(quiet))
	require.NoError(t, e.AttachSink(ks))
	require.NoError(t, e.Run(context.Background()))

	require.Len(t, ks.stores, 2, "one record per contributing plugin per tick")
	assert.Equal(t, "detect", ks.stores[0].Plugin)
	assert.Equal(t, int64(1), ks.stores[0].Seq)
	assert.Equal(t, int64(2), ks.stores[1].Seq)
	assert.Equal(t, 1, ks.opens)
	assert.Equal(t, 1, ks.closes)
}

func TestFrameReplacementVisibleDownstream(t *testing.T) {
	src := &scriptSource{steps: frames(1)}
	replacement := frame.New(image.NewGray(image.Rect(0, 0, 2, 2)), time.Now(), 1)

	filter := plugin.NewFunc("filter", 1, func(plugin.Tick) (plugin.Result, error) {
		return plugin.WithFrame(replacement), nil
	})

	var seen *frame.Frame
	var original any
	probe := plugin.NewFunc("probe", 1, func(t plugin.Tick) (plugin.Result, error) {
		seen = t.Frame
		original, _ = t.State.Get(state.KeyOriginalFrame)
		return plugin.NoUpdate(), nil
	})

	e := New(src)
	require.NoError(t, e.Attach(filter))
	require.NoError(t, e.Attach(probe))
	require.NoError(t, e.Run(context.Background()))

	assert.Same(t, replacement, seen)
	assert.NotSame(t, replacement, original, "the original frame stays in the state")
}

func TestGrayscaleConversionWhenNoPluginNeedsColor(t *testing.T) {
	src := source.NewSynth(
		source.WithSize(8, 8),
		source.WithFPS(0),
		source.WithColor(true),
		source.WithLimit(2),
	)

	var sawColor bool
	probe := plugin.NewFunc("probe", 1, func(t plugin.Tick) (plugin.Result, error) {
		sawColor = sawColor || t.Frame.IsColor()
		return plugin.NoUpdate(), nil
	})

	e := New(src)
	require.NoError(t, e.Attach(probe))
	require.NoError(t, e.Run(context.Background()))

	assert.False(t, sawColor, "frames are converted when every plugin accepts grayscale")
}

func TestColorPassThroughWhenRequired(t *testing.T) {
	src := source.NewSynth(
		source.WithSize(8, 8),
		source.WithFPS(0),
		source.WithColor(true),
		source.WithLimit(2),
	)

	var sawColor bool
	probe := &plugin.Func{
		Base: plugin.Base{Name: "probe", Color: true},
		PushFunc: func(t plugin.Tick) (plugin.Result, error) {
			sawColor = sawColor || t.Frame.IsColor()
			return plugin.NoUpdate(), nil
		},
	}

	e := New(src)
	require.NoError(t, e.Attach(probe))
	require.NoError(t, e.Run(context.Background()))

	assert.True(t, sawColor)
}

func TestAccumulatingKeysAcrossPlugins(t *testing.T) {
	src := &scriptSource{steps: frames(1)}

	a := plugin.NewFunc("a", 1, func(plugin.Tick) (plugin.Result, error) {
		return plugin.WithDelta(state.Delta{
			state.KeyDetectedObjects: []state.DetectedObject{{ID: 1, X: 1, Y: 1}},
		}), nil
	})
	b := plugin.NewFunc("b", 1, func(plugin.Tick) (plugin.Result, error) {
		return plugin.WithDelta(state.Delta{
			state.KeyDetectedObjects: []state.DetectedObject{{ID: 2, X: 2, Y: 2}},
		}), nil
	})

	var final any
	probe := plugin.NewFunc("probe", 1, func(t plugin.Tick) (plugin.Result, error) {
		final, _ = t.State.Get(state.KeyDetectedObjects)
		return plugin.NoUpdate(), nil
	})

	e := New(src)
	require.NoError(t, e.Attach(a))
	require.NoError(t, e.Attach(b))
	require.NoError(t, e.Attach(probe))
	require.NoError(t, e.Run(context.Background()))

	objs, ok := final.([]any)
	require.True(t, ok)
	require.Len(t, objs, 2, "detections from both plugins accumulate")
	assert.Equal(t, state.DetectedObject{ID: 1, X: 1, Y: 1}, objs[0])
	assert.Equal(t, state.DetectedObject{ID: 2, X: 2, Y: 2}, objs[1])
}

func TestProfilerReceivesTimings(t *testing.T) {
	src := &scriptSource{steps: frames(1, 2, 3)}

	var mu sync.Mutex
	var calls int
	var lastCurrent map[string]time.Duration
	var lastRolling map[string][]time.Duration

	e := New(src,
		WithProfiler(func(current map[string]time.Duration, rolling map[string][]time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			lastCurrent = current
			lastRolling = rolling
		}),
		WithProfilerHistory(2),
	)
	require.NoError(t, e.Attach(&countingPlugin{Base: plugin.Base{Name: "p"}}))
	require.NoError(t, e.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls, "profiler invoked once per tick")
	assert.Contains(t, lastCurrent, "acquire")
	assert.Contains(t, lastCurrent, "total")
	assert.Contains(t, lastCurrent, "p")
	assert.Len(t, lastRolling["p"], 2, "rolling window is capped, oldest evicted")
}

func TestMetricsRecorded(t *testing.T) {
	registry := metric.NewRegistry()
	src := &scriptSource{steps: frames(1, 2, 3, 4, 5)}
	p := plugin.NewFunc("p", 1, func(plugin.Tick) (plugin.Result, error) {
		return plugin.WithDelta(state.Delta{"k": 1}), nil
	})

	e := New(src, WithMetrics(registry))
	require.NoError(t, e.Attach(p))
	require.NoError(t, e.Run(context.Background()))

	core := registry.CoreMetrics()
	assert.Equal(t, float64(5), testutil.ToFloat64(core.FramesReceived))
	assert.Equal(t, float64(5), testutil.ToFloat64(core.TicksTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(core.SinkStores.WithLabelValues("p")))
	assert.Equal(t, float64(StateStopped), testutil.ToFloat64(core.EngineStatus))
}
