package main

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"gocv.io/x/gocv"
)

// keyEscape is the key code that ends the processing loop.
const keyEscape = 27

// Overlay is what the renderer draws for one detection.
type Overlay struct {
	Box     Box
	Label   string
	TrackID TrackID
	// Target is set for plate detections with a usable crop; only those
	// get the ID caption.
	Target bool
	// Recognized is set when the cache holds Text for the track.
	Recognized bool
	Text       string
}

// Caption returns the text drawn under a plate box:
// "ID: <id> | <text>" once recognized, "ID: <id>" while pending.
func (o Overlay) Caption() string {
	if o.Recognized {
		return fmt.Sprintf("ID: %d | %s", o.TrackID, o.Text)
	}
	return fmt.Sprintf("ID: %d", o.TrackID)
}

// Palette holds overlay colours.
type Palette struct {
	Box        color.RGBA
	ClassLabel color.RGBA
	Pending    color.RGBA
	Recognized color.RGBA
}

// DefaultPalette returns the built-in colours.
func DefaultPalette() Palette {
	return Palette{
		Box:        color.RGBA{R: 0, G: 0, B: 255, A: 255},
		ClassLabel: color.RGBA{R: 255, G: 0, B: 0, A: 255},
		Pending:    color.RGBA{R: 0, G: 200, B: 0, A: 255},
		Recognized: color.RGBA{R: 0, G: 255, B: 255, A: 255},
	}
}

// ParseColor parses a "#rrggbb" (or "rrggbb") hex colour.
func ParseColor(hex string) (color.RGBA, error) {
	hex = strings.TrimSpace(hex)
	if !strings.HasPrefix(hex, "#") {
		hex = "#" + hex
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// Renderer draws overlays onto frames and optionally shows them in a window.
type Renderer struct {
	palette Palette
	window  *gocv.Window
	// waitMs is the WaitKey delay; 0 blocks until a key is pressed.
	waitMs int
}

// NewRenderer creates a renderer. With headless set no window is opened
// and Show never reports a quit.
func NewRenderer(palette Palette, headless bool, title string, waitMs int) *Renderer {
	r := &Renderer{palette: palette, waitMs: waitMs}
	if !headless {
		r.window = gocv.NewWindow(title)
	}
	return r
}

// Draw paints the overlays onto img.
func (r *Renderer) Draw(img *gocv.Mat, overlays []Overlay) {
	for _, ov := range overlays {
		rect := ov.Box.Rect()
		gocv.Rectangle(img, rect, r.palette.Box, 2)
		drawLabel(img, strings.ToUpper(ov.Label), image.Pt(rect.Min.X, rect.Min.Y-10), color.RGBA{R: 255, G: 255, B: 255, A: 255}, r.palette.ClassLabel)

		if !ov.Target {
			continue
		}
		bg := r.palette.Pending
		fg := color.RGBA{R: 255, G: 255, B: 255, A: 255}
		if ov.Recognized {
			bg = r.palette.Recognized
			fg = color.RGBA{A: 255}
		}
		drawLabel(img, ov.Caption(), image.Pt(rect.Min.X, rect.Max.Y+25), fg, bg)
	}
}

// drawLabel writes text with a filled background rectangle; origin is the
// text baseline-left.
func drawLabel(img *gocv.Mat, text string, origin image.Point, fg, bg color.RGBA) {
	const (
		scale     = 0.6
		thickness = 2
		pad       = 5
	)
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, scale, thickness)
	box := image.Rect(origin.X-pad, origin.Y-size.Y-pad, origin.X+size.X+pad, origin.Y+pad)
	gocv.Rectangle(img, box, bg, -1)
	gocv.PutText(img, text, origin, gocv.FontHersheySimplex, scale, fg, thickness)
}

// Show displays img and reports whether the quit key was pressed.
func (r *Renderer) Show(img gocv.Mat) (quit bool) {
	if r.window == nil {
		return false
	}
	r.window.IMShow(img)
	return r.window.WaitKey(r.waitMs)&0xFF == keyEscape
}

// Close closes the window, if any.
func (r *Renderer) Close() error {
	if r.window == nil {
		return nil
	}
	return r.window.Close()
}
