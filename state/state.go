// Package state implements the per-tick result map threaded through the
// plugin list.
//
// A State is built fresh at the start of every tick, seeded with the original
// frame, the source metadata and the last observed key input, then extended
// by each plugin's delta in dispatch order. A fixed set of accumulating keys
// merges by append with duplicate suppression; every other key overwrites.
package state

import (
	"reflect"
	"sort"
)

// Reserved keys seeded by the tick loop.
const (
	// KeyOriginalFrame holds the *frame.Frame acquired this tick.
	KeyOriginalFrame = "frame.original"
	// KeyMetadata holds the opaque per-frame metadata map from the source.
	KeyMetadata = "frame.metadata"
	// KeyInput holds the last external key input. Unlike every other key it
	// persists across ticks until replaced.
	KeyInput = "input.key"
)

// Accumulating keys. Detection and tracking results under these keys merge
// by append, everything else by overwrite.
const (
	KeyDetectedObjects  = "detect.objects"
	KeyContours         = "detect.contours"
	KeyPointArrays      = "detect.points"
	KeyTrackedObjects   = "track.objects"
	KeyTracked3DObjects = "track.objects3d"
)

var accumulatingKeys = map[string]struct{}{
	KeyDetectedObjects:  {},
	KeyContours:         {},
	KeyPointArrays:      {},
	KeyTrackedObjects:   {},
	KeyTracked3DObjects: {},
}

// IsAccumulating reports whether key merges by append rather than overwrite.
func IsAccumulating(key string) bool {
	_, ok := accumulatingKeys[key]
	return ok
}

// AccumulatingKeys returns the accumulating keys in sorted order.
func AccumulatingKeys() []string {
	keys := make([]string, 0, len(accumulatingKeys))
	for k := range accumulatingKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delta is a plugin's contribution to the tick's state.
type Delta map[string]any

// State is the mutable per-tick result map. It is confined to the scheduler
// goroutine and therefore unsynchronized; worker plugins receive a Clone of
// their tick's state and their results are merged on the scheduler goroutine.
type State struct {
	values map[string]any
}

// New creates an empty state.
func New() *State {
	return &State{values: make(map[string]any)}
}

// Set stores a value under key, overwriting any previous value. Used by the
// tick loop for seeding; plugin contributions go through Merge.
func (s *State) Set(key string, value any) {
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of stored keys.
func (s *State) Len() int {
	return len(s.values)
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the underlying map. Sinks that retain state
// past the end of the tick must copy, and this is the supported way.
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent State over a copy of the values. Anything
// that runs off the scheduler goroutine gets a clone, never the live state.
func (s *State) Clone() *State {
	return &State{values: s.Snapshot()}
}

// Merge folds a plugin delta into the state.
//
// Overwrite keys are idempotent: applying the same delta twice yields the
// same value. Accumulating keys append: a slice value contributes each of
// its elements, any other value contributes itself, and elements already
// present (full structural equality) are suppressed.
func (s *State) Merge(d Delta) {
	for key, value := range d {
		if !IsAccumulating(key) {
			s.values[key] = value
			continue
		}
		s.accumulate(key, value)
	}
}

// accumulate appends value (or its elements) to the slice stored under key.
func (s *State) accumulate(key string, value any) {
	existing, _ := s.values[key].([]any)

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice {
		for i := 0; i < rv.Len(); i++ {
			existing = appendUnique(existing, rv.Index(i).Interface())
		}
	} else {
		existing = appendUnique(existing, value)
	}

	s.values[key] = existing
}

// appendUnique appends item unless an equal element is already present.
// Equality is full structural equality: two detections with identical fields
// are one detection.
func appendUnique(items []any, item any) []any {
	for _, existing := range items {
		if reflect.DeepEqual(existing, item) {
			return items
		}
	}
	return append(items, item)
}
