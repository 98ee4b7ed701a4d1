package engine

import "time"

// Profiler receives per-tick timings: the current tick's values keyed by
// name ("acquire", each dispatched plugin, "total") plus a rolling window
// per name, oldest sample first.
//
// The callback runs on the tick loop goroutine; a slow profiler slows the
// loop.
type Profiler func(current map[string]time.Duration, rolling map[string][]time.Duration)

const defaultProfilerHistory = 64

// history is a fixed-capacity rolling window of timing samples. Once full,
// each write evicts the oldest sample.
type history struct {
	samples []time.Duration
	next    int
	full    bool
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{samples: make([]time.Duration, capacity)}
}

func (h *history) add(d time.Duration) {
	h.samples[h.next] = d
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

// values returns the window contents oldest-first.
func (h *history) values() []time.Duration {
	if !h.full {
		return append([]time.Duration(nil), h.samples[:h.next]...)
	}
	out := make([]time.Duration, 0, len(h.samples))
	out = append(out, h.samples[h.next:]...)
	out = append(out, h.samples[:h.next]...)
	return out
}
