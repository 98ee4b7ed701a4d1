// Package frame defines the frame value passed from sources through the
// tick loop to plugins and sinks.
package frame

import (
	"image"
	"time"

	xdraw "golang.org/x/image/draw"
)

// Frame is one captured image plus its acquisition context.
//
// The pixel buffer is shared by reference between the tick loop, plugins and
// sinks. It must not be mutated after acquisition; a plugin that wants to
// alter pixels returns a replacement frame instead (see plugin.Result).
type Frame struct {
	// Image holds the pixel buffer. Grayscale sources deliver *image.Gray,
	// color sources typically *image.RGBA.
	Image image.Image

	// Timestamp is the capture time reported by the source, not the time
	// the frame entered the tick loop.
	Timestamp time.Time

	// Seq is the source-reported frame number. Monotonically increasing,
	// but gaps occur when the source drops frames.
	Seq int64

	// Metadata carries opaque per-frame values from the source (exposure,
	// gain, device state). Never interpreted by the tick loop.
	Metadata map[string]any
}

// New creates a frame for the given image and acquisition context.
func New(img image.Image, ts time.Time, seq int64) *Frame {
	return &Frame{Image: img, Timestamp: ts, Seq: seq}
}

// WithImage returns a shallow copy of f carrying a replacement pixel buffer.
// Acquisition context (timestamp, sequence, metadata) is preserved so a
// transforming plugin does not disturb downstream bookkeeping.
func (f *Frame) WithImage(img image.Image) *Frame {
	clone := *f
	clone.Image = img
	return &clone
}

// Width returns the pixel width of the frame, or 0 for an empty frame.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the pixel height of the frame, or 0 for an empty frame.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// IsColor reports whether the frame carries a color buffer.
func (f *Frame) IsColor() bool {
	if f == nil || f.Image == nil {
		return false
	}
	switch f.Image.(type) {
	case *image.Gray, *image.Gray16:
		return false
	default:
		return true
	}
}

// Gray returns a grayscale rendition of the frame. If the frame is already
// grayscale it is returned unchanged, so the tick loop can call this
// unconditionally once per tick.
func (f *Frame) Gray() *Frame {
	if f == nil || f.Image == nil || !f.IsColor() {
		return f
	}

	bounds := f.Image.Bounds()
	dst := image.NewGray(bounds)
	xdraw.Copy(dst, bounds.Min, f.Image, bounds, xdraw.Src, nil)
	return f.WithImage(dst)
}
