package audit

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

type NormalizerConfig struct {
	// TargetSize is the edge of the square every image is fitted to.
	TargetSize int
	// TransparencyGray replaces every pixel that is not fully opaque.
	TransparencyGray uint8
}

// Normalizer brings decoded images of any mode and size into a common
// square form so two images can be compared pixel for pixel.
type Normalizer struct {
	cfg NormalizerConfig
}

func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = 500
	}
	return &Normalizer{cfg: cfg}
}

func (n *Normalizer) TargetSize() int { return n.cfg.TargetSize }

// Normalize expands transparent palettes, flattens alpha onto the transparency gray,
// then center-fits to TargetSize with a Lanczos filter. The input is not mutated.
func (n *Normalizer) Normalize(in *DecodedImage) (out *DecodedImage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("normalize panic: %v", r)
		}
	}()

	if in == nil || in.Image == nil {
		return nil, ErrEmptyImage
	}
	src := in.Image
	if src.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	if p, ok := src.(*image.Paletted); ok && paletteHasTransparency(p.Palette) {
		src = imaging.Clone(p)
	}

	flattened := false
	if hasAlphaChannel(src) {
		src = flattenAlpha(src, n.cfg.TransparencyGray)
		flattened = true
	}

	size := n.cfg.TargetSize
	var fitted image.Image = imaging.Fill(src, size, size, imaging.Center, imaging.Lanczos)
	if flattened {
		fitted = toGray(fitted)
	}
	if fitted.Bounds().Dx() != size || fitted.Bounds().Dy() != size {
		return nil, fmt.Errorf("%w: fit produced %v", ErrEmptyImage, fitted.Bounds())
	}

	return &DecodedImage{
		Image:       fitted,
		ContentType: in.ContentType,
		Extension:   in.Extension,
		Digest:      in.Digest,
	}, nil
}

func paletteHasTransparency(p color.Palette) bool {
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a != 0xffff {
			return true
		}
	}
	return false
}

// hasAlphaChannel reports alpha-capable images with at least one non-opaque pixel.
// The png decoder returns RGBA for plain RGB files too.
func hasAlphaChannel(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64, *image.NYCbCrA:
	default:
		return false
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return true
}

// flattenAlpha converts to 8-bit luma with a binary mask: fully opaque pixels keep
// their luma, every other pixel becomes gray.
func flattenAlpha(img image.Image, gray uint8) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := src.Pix[off : off+b.Dx()*4]
			out := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()]
			for x := range out {
				px := row[x*4 : x*4+4]
				if px[3] == 0xff {
					out[x] = luma(px[0], px[1], px[2])
				} else {
					out[x] = gray
				}
			}
		}
		return dst
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			v := gray
			if c.A == 0xff {
				v = luma(c.R, c.G, c.B)
			}
			dst.Pix[(y-b.Min.Y)*dst.Stride+(x-b.Min.X)] = v
		}
	}
	return dst
}

// luma is the ITU-R 601-2 luma transform in 16.16 fixed point.
func luma(r, g, b uint8) uint8 {
	return uint8((uint32(r)*19595 + uint32(g)*38470 + uint32(b)*7471 + 0x8000) >> 16)
}

// toGray converts any image to 8-bit luma, ignoring alpha.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := src.Pix[off : off+b.Dx()*4]
			out := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()]
			for x := range out {
				out[x] = luma(row[x*4], row[x*4+1], row[x*4+2])
			}
		}
		return dst
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.Pix[(y-b.Min.Y)*dst.Stride+(x-b.Min.X)] = luma(c.R, c.G, c.B)
		}
	}
	return dst
}
