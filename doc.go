// Package microfview is a frame-tick plugin pipeline: it delegates
// successive frames from a source to an ordered set of plugins, merges each
// plugin's contribution into a shared per-frame state, and fans the result
// out to persistence sinks.
//
// The packages compose bottom-up:
//
//   - frame:  the frame value (image buffer plus acquisition context)
//   - state:  the per-tick result map with accumulating-key merge
//   - source: the frame acquisition contract and a synthetic generator
//   - plugin: the unit-of-work contract and its three execution strategies
//     (inline, drop-when-busy worker, sequential chain)
//   - sink:   result consumers and the fan-out manager
//   - engine: the tick loop tying it all together
//   - metric, errors, config: metrics registry, classified errors, file
//     configuration
//
// See cmd/microfview for a complete wiring example.
package microfview
