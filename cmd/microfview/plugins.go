package main

import (
	"image/color"
	"math"

	"github.com/strawlab/microfview/plugin"
	"github.com/strawlab/microfview/state"
)

const brightThreshold = 200

// detectPlugin locates the bright dot the synthetic source renders by taking
// the centroid of all pixels above a luminance threshold.
type detectPlugin struct {
	plugin.Base
}

func newDetectPlugin() *detectPlugin {
	return &detectPlugin{Base: plugin.Base{Name: "dot-detect", Period: 1}}
}

func (p *detectPlugin) Push(t plugin.Tick) (plugin.Result, error) {
	img := t.Frame.Image
	bounds := img.Bounds()

	var sumX, sumY, n float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y >= brightThreshold {
				sumX += float64(x)
				sumY += float64(y)
				n++
			}
		}
	}
	if n == 0 {
		return plugin.NoUpdate(), nil
	}

	return plugin.WithDelta(state.Delta{
		state.KeyDetectedObjects: []state.DetectedObject{
			{ID: 1, X: sumX / n, Y: sumY / n},
		},
	}), nil
}

// trackPlugin smooths detections into a track with an exponential filter.
// It runs after detectPlugin in the same chain, so it sees this tick's
// detections in the state.
type trackPlugin struct {
	plugin.Base
	alpha float64
	x, y  float64
	seen  bool
}

func newTrackPlugin() *trackPlugin {
	return &trackPlugin{
		Base:  plugin.Base{Name: "dot-track", Period: 1},
		alpha: 0.3,
	}
}

func (p *trackPlugin) Push(t plugin.Tick) (plugin.Result, error) {
	v, ok := t.State.Get(state.KeyDetectedObjects)
	if !ok {
		return plugin.NoUpdate(), nil
	}
	objs, ok := v.([]any)
	if !ok || len(objs) == 0 {
		return plugin.NoUpdate(), nil
	}
	det, ok := objs[0].(state.DetectedObject)
	if !ok {
		return plugin.NoUpdate(), nil
	}

	if !p.seen {
		p.x, p.y = det.X, det.Y
		p.seen = true
	} else {
		p.x += p.alpha * (det.X - p.x)
		p.y += p.alpha * (det.Y - p.y)
	}

	residual := math.Hypot(det.X-p.x, det.Y-p.y)
	return plugin.WithDelta(state.Delta{
		state.KeyTrackedObjects: []state.TrackedObject{
			{ID: det.ID, X: p.x, Y: p.y, Err: residual},
		},
	}), nil
}

// statsPlugin computes mean frame luminance. It is deliberately heavier than
// the tick interval at large frame sizes, which is what the worker wrapper
// is for.
type statsPlugin struct {
	plugin.Base
}

func newStatsPlugin() *statsPlugin {
	return &statsPlugin{Base: plugin.Base{Name: "frame-stats", Period: 2}}
}

func (p *statsPlugin) Push(t plugin.Tick) (plugin.Result, error) {
	img := t.Frame.Image
	bounds := img.Bounds()

	var sum, n float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			sum += float64(g.Y)
			n++
		}
	}
	if n == 0 {
		return plugin.NoUpdate(), nil
	}

	return plugin.WithDelta(state.Delta{
		"stats.mean_luminance": sum / n,
	}), nil
}
