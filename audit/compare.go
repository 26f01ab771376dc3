package audit

import (
	"errors"
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
)

// PHashSize is the edge of the perceptual hash grid; the hash has PHashSize² bits.
const PHashSize = 16

// SSIM parameters, matching scikit-image's structural_similarity defaults
// for 8-bit input.
const (
	ssimWindow    = 7
	ssimK1        = 0.01
	ssimK2        = 0.03
	ssimDataRange = 255.0
)

var ErrImageTooSmall = errors.New("image smaller than the SSIM window")

// Compare scores two normalized images. Both must have identical dimensions.
// Any failure aborts the whole comparison; there are no partial results.
func Compare(assetID string, marketplace, original *DecodedImage) (res ComparisonResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compare panic: %v", r)
		}
	}()

	if marketplace == nil || original == nil || marketplace.Image == nil || original.Image == nil {
		return ComparisonResult{}, ErrEmptyImage
	}
	ab, bb := marketplace.Image.Bounds(), original.Image.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return ComparisonResult{}, fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch, ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}

	ga := toGray(marketplace.Image)
	gb := toGray(original.Image)

	ssim, err := SSIM(ga, gb)
	if err != nil {
		return ComparisonResult{}, err
	}

	dist, err := PHashDistance(marketplace.Image, original.Image)
	if err != nil {
		return ComparisonResult{}, err
	}

	return ComparisonResult{
		AssetID:           assetID,
		SSIM:              ssim,
		MSE:               MSE(ga, gb),
		PHashDifference:   dist,
		OpenseaExtension:  marketplace.Extension,
		OriginalExtension: original.Extension,
	}, nil
}

// MSE is the mean squared luma difference.
func MSE(a, b *image.Gray) float64 {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	var sum float64
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			d := float64(ra[x]) - float64(rb[x])
			sum += d * d
		}
	}
	return sum / float64(w*h)
}

// SSIM computes the mean structural similarity over every 7x7 window that lies
// fully inside the image, using sample covariance.
func SSIM(a, b *image.Gray) (float64, error) {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	if w < ssimWindow || h < ssimWindow {
		return 0, fmt.Errorf("%w: %dx%d", ErrImageTooSmall, w, h)
	}

	sa := newIntegral(w, h)
	sb := newIntegral(w, h)
	saa := newIntegral(w, h)
	sbb := newIntegral(w, h)
	sab := newIntegral(w, h)
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			va, vb := float64(ra[x]), float64(rb[x])
			sa.add(x, y, va)
			sb.add(x, y, vb)
			saa.add(x, y, va*va)
			sbb.add(x, y, vb*vb)
			sab.add(x, y, va*vb)
		}
	}

	const np = ssimWindow * ssimWindow
	const covNorm = float64(np) / float64(np-1)
	c1 := (ssimK1 * ssimDataRange) * (ssimK1 * ssimDataRange)
	c2 := (ssimK2 * ssimDataRange) * (ssimK2 * ssimDataRange)

	var total float64
	var count int
	for y := 0; y+ssimWindow <= h; y++ {
		for x := 0; x+ssimWindow <= w; x++ {
			ux := sa.window(x, y, ssimWindow) / np
			uy := sb.window(x, y, ssimWindow) / np
			uxx := saa.window(x, y, ssimWindow) / np
			uyy := sbb.window(x, y, ssimWindow) / np
			uxy := sab.window(x, y, ssimWindow) / np

			vx := covNorm * (uxx - ux*ux)
			vy := covNorm * (uyy - uy*uy)
			vxy := covNorm * (uxy - ux*uy)

			num := (2*ux*uy + c1) * (2*vxy + c2)
			den := (ux*ux + uy*uy + c1) * (vx + vy + c2)
			total += num / den
			count++
		}
	}
	return total / float64(count), nil
}

// PHashDistance is the Hamming distance between two 256-bit perceptual hashes.
func PHashDistance(a, b image.Image) (int, error) {
	ha, err := goimagehash.ExtPerceptionHash(a, PHashSize, PHashSize)
	if err != nil {
		return 0, fmt.Errorf("phash: %w", err)
	}
	hb, err := goimagehash.ExtPerceptionHash(b, PHashSize, PHashSize)
	if err != nil {
		return 0, fmt.Errorf("phash: %w", err)
	}
	return ha.Distance(hb)
}

// integral is a summed-area table with a zero row and column.
type integral struct {
	w, h int
	s    []float64
}

func newIntegral(w, h int) *integral {
	return &integral{w: w, h: h, s: make([]float64, (w+1)*(h+1))}
}

// add must be called in row-major order.
func (t *integral) add(x, y int, v float64) {
	stride := t.w + 1
	i := (y+1)*stride + (x + 1)
	t.s[i] = v + t.s[i-1] + t.s[i-stride] - t.s[i-stride-1]
}

func (t *integral) window(x, y, n int) float64 {
	stride := t.w + 1
	x2, y2 := x+n, y+n
	return t.s[y2*stride+x2] - t.s[y*stride+x2] - t.s[y2*stride+x] + t.s[y*stride+x]
}
