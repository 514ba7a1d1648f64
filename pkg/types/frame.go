package types

import "time"

// Frame is one captured image handed from a frame source to the pipeline.
// The source owns the buffer until the frame is pushed to the frame queue;
// after that it belongs to the queue and whoever pops it.
type Frame struct {
	ID         uint64    // Sequential frame number, per source
	Data       []byte    // Packed BGR24 pixels, row major
	Width      int       // Frame width in pixels
	Height     int       // Frame height in pixels
	CapturedAt time.Time // Capture timestamp
}

// Meta strips the pixel buffer so batches further down the pipeline do not
// keep full images alive in the queues.
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		ID:         f.ID,
		Width:      f.Width,
		Height:     f.Height,
		CapturedAt: f.CapturedAt,
	}
}

// FrameMeta identifies a frame once its pixels are no longer needed.
type FrameMeta struct {
	ID         uint64    // Sequential frame number, per source
	Width      int       // Frame width in pixels
	Height     int       // Frame height in pixels
	CapturedAt time.Time // Capture timestamp
}

// BoundingBox is an axis-aligned region in pixel coordinates. A valid box
// satisfies 0 <= X, 0 <= Y, X+Width <= frame width, Y+Height <= frame height,
// with Width and Height strictly positive.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the box midpoint in pixel coordinates.
func (b BoundingBox) Center() (px, py float64) {
	return float64(b.X) + float64(b.Width)/2, float64(b.Y) + float64(b.Height)/2
}

// Valid reports whether the box lies fully inside a width x height frame.
func (b BoundingBox) Valid(width, height int) bool {
	if b.Width <= 0 || b.Height <= 0 {
		return false
	}
	if b.X < 0 || b.Y < 0 {
		return false
	}
	return b.X+b.Width <= width && b.Y+b.Height <= height
}
