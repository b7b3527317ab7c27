// Package geometry holds the stateless tiling and coordinate math the
// pipeline is built on: tile grid construction, tile-local to image
// coordinate transforms, box overlap, and ground sampling distance
// estimation for non-georeferenced aerial photographs.
package geometry

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"github.com/menta2k/debris-scan/pkg/types"
)

// ValidateGrid checks that tileSize and overlap can produce an advancing
// grid. It is called at submission time so bad parameters abort a job
// before any image is touched.
func ValidateGrid(tileSize, overlap int) error {
	if tileSize <= 0 {
		return types.NewGeometryError(errors.Errorf("tile size must be positive, got %d", tileSize))
	}
	if overlap < 0 {
		return types.NewGeometryError(errors.Errorf("overlap must be non-negative, got %d", overlap))
	}
	if tileSize <= overlap {
		return types.NewGeometryError(errors.Errorf("tile size %d must exceed overlap %d", tileSize, overlap))
	}
	return nil
}

// TileGrid returns the bounds of every tile needed to cover a
// width x height image with tileSize tiles overlapping by at least
// overlap pixels, in row-major order. Interior neighbours overlap by
// exactly overlap pixels; the last tile along each axis is clamped to
// end at the image edge, so its overlap with its predecessor may be
// larger. When a dimension is smaller than tileSize the single tile
// spans that full dimension. Coverage is exact: no gaps, no padding.
func TileGrid(width, height, tileSize, overlap int) ([]image.Rectangle, error) {
	if err := ValidateGrid(tileSize, overlap); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, types.NewGeometryError(errors.Errorf("image dimensions must be positive, got %dx%d", width, height))
	}

	stride := tileSize - overlap
	xs := axisOffsets(width, tileSize, stride)
	ys := axisOffsets(height, tileSize, stride)

	tw := tileSize
	if width < tw {
		tw = width
	}
	th := tileSize
	if height < th {
		th = height
	}

	grid := make([]image.Rectangle, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			grid = append(grid, image.Rect(x, y, x+tw, y+th))
		}
	}
	return grid, nil
}

// axisOffsets returns the tile origins along one axis. The caller
// guarantees stride > 0.
func axisOffsets(dim, tileSize, stride int) []int {
	if dim <= tileSize {
		return []int{0}
	}
	var offs []int
	for x := 0; ; x += stride {
		if x+tileSize >= dim {
			offs = append(offs, dim-tileSize)
			break
		}
		offs = append(offs, x)
	}
	return offs
}

// LocalToGlobal shifts a tile-local box into image coordinates by
// adding the tile origin.
func LocalToGlobal(origin image.Point, b types.Box) types.Box {
	return b.Translate(float64(origin.X), float64(origin.Y))
}

// GlobalToLocal is the inverse of LocalToGlobal.
func GlobalToLocal(origin image.Point, b types.Box) types.Box {
	return b.Translate(-float64(origin.X), -float64(origin.Y))
}

// IoU returns the intersection-over-union of two boxes in [0,1].
// Degenerate boxes contribute zero overlap.
func IoU(a, b types.Box) float64 {
	ix0 := math.Max(a.X0, b.X0)
	iy0 := math.Max(a.Y0, b.Y0)
	ix1 := math.Min(a.X1, b.X1)
	iy1 := math.Min(a.Y1, b.Y1)

	iw := ix1 - ix0
	ih := iy1 - iy0
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// EstimateGSD estimates the ground sampling distance, in cm per pixel,
// of an aerial photograph from a pinhole camera model. The GSD is
// computed independently for both axes and the coarser of the two is
// returned. Returns ok=false when any required value is missing or
// non-positive.
func EstimateGSD(flightAGLM, sensorWidthCM, sensorHeightCM, focalLengthMM float64, widthPx, heightPx int) (float64, bool) {
	if flightAGLM <= 0 || sensorWidthCM <= 0 || sensorHeightCM <= 0 || focalLengthMM <= 0 {
		return 0, false
	}
	if widthPx <= 0 || heightPx <= 0 {
		return 0, false
	}

	altMM := flightAGLM * 1000
	gsdW := (altMM * sensorWidthCM) / (focalLengthMM * float64(widthPx))
	gsdH := (altMM * sensorHeightCM) / (focalLengthMM * float64(heightPx))
	return math.Max(gsdW, gsdH), true
}

// EstimateGSDFromMeta is EstimateGSD applied to a SensorMeta.
func EstimateGSDFromMeta(meta types.SensorMeta, widthPx, heightPx int) (float64, bool) {
	return EstimateGSD(meta.FlightAGLM, meta.SensorWidthCM, meta.SensorHeightCM, meta.FocalLengthMM, widthPx, heightPx)
}
