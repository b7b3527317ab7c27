// Package merge reassembles per-tile detections into one coherent,
// de-duplicated detection list per image. Tile-local boxes are lifted
// into image coordinates, corrected for resampling, and same-class
// duplicates from overlapping tiles are suppressed.
package merge

import (
	"image"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/menta2k/debris-scan/pkg/geometry"
	"github.com/menta2k/debris-scan/pkg/types"
)

// DefaultIoUThreshold is the suppression cutoff for same-class boxes.
const DefaultIoUThreshold = 0.5

// TileDetections carries the raw detections from one tile together with
// the tile's origin in resampled-image pixels.
type TileDetections struct {
	Origin     image.Point
	Detections []types.Detection
}

// Merger merges per-tile detections for one image.
type Merger struct {
	// IoUThreshold: same-class boxes overlapping a kept box by strictly
	// more than this are discarded.
	IoUThreshold float64
}

// New creates a Merger with the default suppression threshold
func New() *Merger {
	return &Merger{IoUThreshold: DefaultIoUThreshold}
}

// Merge produces the final detection list for one image:
//
//  1. detections under confidenceThreshold are dropped (inclusive keep),
//  2. survivors move from tile-local to image coordinates, then to
//     native coordinates by undoing the resampling scale,
//  3. per class, greedy non-max suppression removes cross-tile
//     duplicates.
//
// The output is ordered by class name, then by descending score. An
// object straddling a tile boundary can surface as two partial boxes
// with low mutual IoU; those are not merged.
func (m *Merger) Merge(tiles []TileDetections, confidenceThreshold, scale float64) ([]types.Detection, error) {
	if confidenceThreshold < 0 || confidenceThreshold > 1 {
		return nil, errors.Errorf("confidence threshold %v outside [0,1]", confidenceThreshold)
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, types.NewGeometryError(errors.Errorf("resampling scale %v is not usable", scale))
	}

	scoreFilter := NewScoreFilter(confidenceThreshold)

	var global []types.Detection
	for _, td := range tiles {
		for _, d := range scoreFilter(td.Detections) {
			box := geometry.LocalToGlobal(td.Origin, d.Box)
			if scale != 1 {
				box = box.Scale(1 / scale)
			}
			d.Box = box
			global = append(global, d)
		}
	}

	byClass := make(map[string][]types.Detection)
	for _, d := range global {
		byClass[d.Class] = append(byClass[d.Class], d)
	}

	classes := make([]string, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	out := make([]types.Detection, 0, len(global))
	for _, class := range classes {
		out = append(out, m.suppress(byClass[class])...)
	}
	return out, nil
}

// suppress runs greedy non-max suppression over one class: emit the
// highest-scoring remaining box, drop everything overlapping it past
// the threshold, repeat.
func (m *Merger) suppress(dets []types.Detection) []types.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Score > dets[j].Score
	})

	kept := make([]types.Detection, 0, len(dets))
	remaining := dets
	for len(remaining) > 0 {
		best := remaining[0]
		kept = append(kept, best)

		next := remaining[:0]
		for _, d := range remaining[1:] {
			if geometry.IoU(best.Box, d.Box) <= m.IoUThreshold {
				next = append(next, d)
			}
		}
		remaining = next
	}
	return kept
}
