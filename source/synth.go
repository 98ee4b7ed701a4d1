package source

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"sync"
	"time"

	"github.com/strawlab/microfview/errors"
	"github.com/strawlab/microfview/frame"
)

// Synth generates frames of a dot bouncing around an empty background. It is
// the stand-in capture device for the demo binary and for tests that need a
// real source behind the Source contract.
type Synth struct {
	mu     sync.Mutex
	width  int
	height int
	fps    float64
	colorF bool
	speed  float64
	radius int
	limit  int64

	seq    int64
	x, y   float64
	vx, vy float64
	last   time.Time
	closed bool
}

// SynthOption configures a synthetic source.
type SynthOption func(*Synth)

// WithSize sets the frame geometry. Defaults to 640x480.
func WithSize(width, height int) SynthOption {
	return func(s *Synth) {
		s.width = width
		s.height = height
	}
}

// WithFPS sets the pacing rate. Zero disables pacing, which is what tests
// want. Defaults to 25.
func WithFPS(fps float64) SynthOption {
	return func(s *Synth) { s.fps = fps }
}

// WithColor switches between RGBA and grayscale output. Defaults to color.
func WithColor(enabled bool) SynthOption {
	return func(s *Synth) { s.colorF = enabled }
}

// WithLimit makes the source report end-of-stream after n frames. Zero means
// unbounded.
func WithLimit(n int64) SynthOption {
	return func(s *Synth) { s.limit = n }
}

// WithSpeed sets the dot velocity in pixels per frame. Defaults to 5.
func WithSpeed(speed float64) SynthOption {
	return func(s *Synth) { s.speed = speed }
}

// NewSynth creates a synthetic moving-dot source.
func NewSynth(opts ...SynthOption) *Synth {
	s := &Synth{
		width:  640,
		height: 480,
		fps:    25,
		colorF: true,
		speed:  5,
		radius: 10,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.x = rand.Float64() * float64(s.width)
	s.y = rand.Float64() * float64(s.height)
	s.vx = s.speed
	s.vy = s.speed

	return s
}

// Info implements Source.
func (s *Synth) Info() Info {
	return Info{
		Name:   "synth",
		Width:  s.width,
		Height: s.height,
		FPS:    s.fps,
		Color:  s.colorF,
	}
}

// Next implements Source. It paces output toward the configured FPS by
// sleeping half the remaining frame interval, which absorbs scheduling
// jitter without drifting badly.
func (s *Synth) Next(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.Wrap(errors.ErrEndOfStream, "Synth", "Next", "read after close")
	}
	if s.limit > 0 && s.seq >= s.limit {
		return nil, errors.Wrap(errors.ErrEndOfStream, "Synth", "Next", "frame limit reached")
	}

	if s.fps > 0 && !s.last.IsZero() {
		interval := time.Duration(float64(time.Second) / s.fps)
		if remaining := interval - time.Since(s.last); remaining > 0 {
			timer := time.NewTimer(remaining / 2)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	s.last = time.Now()

	s.advance()
	img := s.render()

	s.seq++
	f := frame.New(img, s.last, s.seq)
	f.Metadata = map[string]any{"dot.x": s.x, "dot.y": s.y}
	return f, nil
}

// Close implements Source.
func (s *Synth) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// advance bounces the dot off the frame edges.
func (s *Synth) advance() {
	if s.x < 0 || s.x > float64(s.width) {
		s.vx = -s.vx
	}
	if s.y < 0 || s.y > float64(s.height) {
		s.vy = -s.vy
	}
	s.x += s.vx
	s.y += s.vy
}

// render draws the dot on a fresh buffer.
func (s *Synth) render() image.Image {
	bounds := image.Rect(0, 0, s.width, s.height)

	var set func(x, y int)
	var img image.Image
	if s.colorF {
		rgba := image.NewRGBA(bounds)
		dot := color.RGBA{R: 255, A: 255}
		set = func(x, y int) { rgba.SetRGBA(x, y, dot) }
		img = rgba
	} else {
		gray := image.NewGray(bounds)
		set = func(x, y int) { gray.SetGray(x, y, color.Gray{Y: 255}) }
		img = gray
	}

	cx, cy, r := int(s.x), int(s.y), s.radius
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if x < 0 || y < 0 || x >= s.width || y >= s.height {
				continue
			}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				set(x, y)
			}
		}
	}
	return img
}
