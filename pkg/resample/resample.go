// Package resample rescales aerial imagery toward the ground sampling
// distance the detector was trained at.
package resample

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/menta2k/debris-scan/pkg/types"
)

// DefaultTargetGSD is the detector's training resolution in cm per pixel.
const DefaultTargetGSD = 2.0

// Resampler rescales images from their native GSD to the target GSD.
type Resampler struct {
	// TargetGSD is the detector's optimal resolution in cm per pixel.
	TargetGSD float64
}

// New creates a Resampler at the default target GSD
func New() *Resampler {
	return &Resampler{TargetGSD: DefaultTargetGSD}
}

// NewWithTarget creates a Resampler at a custom target GSD
func NewWithTarget(targetGSD float64) (*Resampler, error) {
	if targetGSD <= 0 || math.IsNaN(targetGSD) {
		return nil, types.NewGeometryError(errors.Errorf("target GSD must be positive, got %v", targetGSD))
	}
	return &Resampler{TargetGSD: targetGSD}, nil
}

// ScaleFor computes the factor that maps native pixels to resampled
// pixels for an image with the given native GSD: scale = native / target.
// Detections found in resampled space are divided by this scale to land
// back in native coordinates.
func (r *Resampler) ScaleFor(nativeGSD float64) (float64, error) {
	if nativeGSD <= 0 || math.IsNaN(nativeGSD) || math.IsInf(nativeGSD, 0) {
		return 0, types.NewGeometryError(errors.Errorf("native GSD must be positive, got %v", nativeGSD))
	}
	scale := nativeGSD / r.TargetGSD
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return 0, types.NewGeometryError(errors.Errorf("resampling scale %v is not usable", scale))
	}
	return scale, nil
}

// Resample rescales img from its native GSD toward the target GSD,
// preserving aspect ratio. It returns the rescaled image together with
// the applied scale factor. Images coarser than the target are
// upsampled, finer ones downsampled; either way the output approximates
// the target resolution.
func (r *Resampler) Resample(img image.Image, nativeGSD float64) (image.Image, float64, error) {
	scale, err := r.ScaleFor(nativeGSD)
	if err != nil {
		return nil, 0, err
	}

	bounds := img.Bounds()
	w := int(math.Round(float64(bounds.Dx()) * scale))
	h := int(math.Round(float64(bounds.Dy()) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	if w == bounds.Dx() && h == bounds.Dy() {
		return img, scale, nil
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), scale, nil
}
