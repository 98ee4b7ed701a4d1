// Package engine drives the frame-tick loop.
//
// The engine owns the frame source and the ordered plugin list. Each tick it
// acquires one frame, builds a fresh state map, dispatches the frame through
// the plugins in registration order gated by their periods, fans the merged
// results out to the attached sinks, and feeds the profiler. Plugins that
// signal completion are removed and stopped; the run ends at end-of-stream,
// on an external Stop, when the plugin list empties, or when the optional
// frame bound is reached.
//
// All exit paths converge on one cleanup sequence: every started plugin is
// stopped exactly once and the sink manager is closed, even when a plugin
// error aborts the loop.
//
// Run drives everything on a single goroutine; worker plugins own their own
// goroutines and meet the engine only through their single-slot queues.
package engine
