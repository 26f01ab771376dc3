package audit

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// SVGOptions bounds the raster produced from vector input.
type SVGOptions struct {
	// DefaultSize is used when the document carries no usable viewBox.
	DefaultSize int
	// MaxSize caps the longest edge.
	MaxSize int
}

// RasterizeSVG renders an SVG document at its intrinsic size.
// Any parse failure is a *FormatError; no partial image is returned.
func RasterizeSVG(data []byte, opts SVGOptions) (img *image.RGBA, err error) {
	if opts.DefaultSize <= 0 {
		opts.DefaultSize = 500
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 4096
	}
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = &FormatError{Err: fmt.Errorf("svg render panic: %v", r)}
		}
	}()

	icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, &FormatError{Err: fmt.Errorf("parse svg: %w", err)}
	}

	w, h := svgDimensions(icon.ViewBox.W, icon.ViewBox.H, opts)
	icon.SetTarget(0, 0, float64(w), float64(h))

	img = image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)
	return img, nil
}

func svgDimensions(vw, vh float64, opts SVGOptions) (int, int) {
	if vw <= 0 || vh <= 0 || math.IsNaN(vw) || math.IsNaN(vh) || math.IsInf(vw, 0) || math.IsInf(vh, 0) {
		return opts.DefaultSize, opts.DefaultSize
	}
	longest := math.Max(vw, vh)
	if longest > float64(opts.MaxSize) {
		scale := float64(opts.MaxSize) / longest
		vw *= scale
		vh *= scale
	}
	w := int(math.Round(vw))
	h := int(math.Round(vh))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
