package main

import (
	"fmt"
	"image"
)

// Box is an axis-aligned bounding box in frame pixel coordinates.
// X2 and Y2 are exclusive. A box may be degenerate (zero width or height).
type Box struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

// Rect converts the box to an image.Rectangle without canonicalizing it:
// a box with X1 >= X2 or Y1 >= Y2 stays empty.
func (b Box) Rect() image.Rectangle {
	return image.Rectangle{Min: image.Pt(b.X1, b.Y1), Max: image.Pt(b.X2, b.Y2)}
}

// ClampTo intersects the box with bounds. The result is empty when the box
// lies outside the frame or has zero area.
func (b Box) ClampTo(bounds image.Rectangle) image.Rectangle {
	return b.Rect().Intersect(bounds)
}

func (b Box) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one tracked object reported by the detection source for one frame.
type Detection struct {
	// Box locates the object in the (resized) frame.
	Box Box

	// Label is the class name from the detector, e.g. "numberplate".
	Label string

	// TrackID is the tracker's persistent identity for the object.
	TrackID TrackID

	// Frame is the index of the frame that produced this detection.
	Frame int64
}
