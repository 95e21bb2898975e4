package main

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

const (
	// PreprocessGoCV runs the OpenCV pipeline (gray, upscale, adaptive threshold).
	PreprocessGoCV = "gocv"
	// PreprocessImaging runs the pure-Go pipeline (imaging + bild).
	PreprocessImaging = "imaging"

	// defaultPlateHeight is the crop height Tesseract reads best at.
	defaultPlateHeight = 64
	// maxPlateDimension bounds upscaled crops to keep memory flat.
	maxPlateDimension = 2048
)

// Preprocessor turns a plate crop into PNG bytes ready for OCR.
type Preprocessor interface {
	Preprocess(crop gocv.Mat) ([]byte, error)
}

// NewPreprocessor returns the preprocessor for mode.
func NewPreprocessor(mode string, plateHeight int) (Preprocessor, error) {
	if plateHeight <= 0 {
		plateHeight = defaultPlateHeight
	}
	switch mode {
	case PreprocessGoCV, "":
		return &gocvPreprocessor{plateHeight: plateHeight}, nil
	case PreprocessImaging:
		return &imagingPreprocessor{plateHeight: plateHeight, contrast: 30, threshold: 128}, nil
	default:
		return nil, fmt.Errorf("unknown preprocess mode %q", mode)
	}
}

// plateScale returns the factor that brings a crop of size w x h to the
// target height, capped so neither side exceeds maxPlateDimension.
// Crops already taller than the target are left at scale 1.
func plateScale(w, h, target int) float64 {
	if w <= 0 || h <= 0 || h >= target {
		return 1.0
	}
	scale := float64(target) / float64(h)
	if float64(w)*scale > maxPlateDimension || float64(h)*scale > maxPlateDimension {
		scale = math.Min(float64(maxPlateDimension)/float64(w), float64(maxPlateDimension)/float64(h))
	}
	return scale
}

type gocvPreprocessor struct {
	plateHeight int
}

// Preprocess converts to grayscale, upscales small crops and applies an
// adaptive mean threshold (11x11 block, offset 2).
func (p *gocvPreprocessor) Preprocess(crop gocv.Mat) ([]byte, error) {
	if crop.Empty() {
		return nil, fmt.Errorf("empty crop")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if crop.Channels() == 1 {
		crop.CopyTo(&gray)
	} else {
		gocv.CvtColor(crop, &gray, gocv.ColorBGRToGray)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	scale := plateScale(gray.Cols(), gray.Rows(), p.plateHeight)
	size := image.Pt(int(float64(gray.Cols())*scale), int(float64(gray.Rows())*scale))
	gocv.Resize(gray, &resized, size, 0, 0, gocv.InterpolationCubic)

	thresholded := gocv.NewMat()
	defer thresholded.Close()
	gocv.AdaptiveThreshold(resized, &thresholded, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinary, 11, 2)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, thresholded)
	if err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory released by Close.
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

type imagingPreprocessor struct {
	plateHeight int
	contrast    float64
	threshold   uint8
}

// Preprocess converts the Mat to an image.Image and runs preprocessImage.
func (p *imagingPreprocessor) Preprocess(crop gocv.Mat) ([]byte, error) {
	if crop.Empty() {
		return nil, fmt.Errorf("empty crop")
	}
	// ToImage reads the raw buffer, which a region of a larger frame does not own.
	if !crop.IsContinuous() {
		owned := crop.Clone()
		defer owned.Close()
		crop = owned
	}

	img, err := crop.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert crop: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, p.preprocessImage(img)); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

// preprocessImage grayscales, upscales with Lanczos, boosts contrast and
// binarizes the crop.
func (p *imagingPreprocessor) preprocessImage(img image.Image) image.Image {
	gray := imaging.Grayscale(img)

	b := gray.Bounds()
	if scale := plateScale(b.Dx(), b.Dy(), p.plateHeight); scale != 1.0 {
		gray = imaging.Resize(gray, int(float64(b.Dx())*scale), int(float64(b.Dy())*scale), imaging.Lanczos)
	}

	contrasted := adjust.Contrast(gray, p.contrast/100.0)
	return segment.Threshold(contrasted, p.threshold)
}
