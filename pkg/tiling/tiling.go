// Package tiling cuts detector-sized, overlapping tiles out of large
// aerial images. Tiles are produced one at a time so a full survey frame
// never has its complete tile set in memory.
package tiling

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/debris-scan/pkg/geometry"
	"github.com/menta2k/debris-scan/pkg/types"
)

// Tiler produces tile sequences for a fixed detector input size and
// minimum overlap.
type Tiler struct {
	TileSize int
	Overlap  int
}

// New creates a Tiler, validating that the parameters can produce an
// advancing grid
func New(tileSize, overlap int) (*Tiler, error) {
	if err := geometry.ValidateGrid(tileSize, overlap); err != nil {
		return nil, err
	}
	return &Tiler{TileSize: tileSize, Overlap: overlap}, nil
}

// Sequence returns a lazy iterator over the tiles of img. The sequence
// is deterministic: the same image and parameters always produce the
// identical tile order, so an interrupted run can safely restart.
func (t *Tiler) Sequence(img image.Image) (*Sequence, error) {
	bounds := img.Bounds()
	grid, err := geometry.TileGrid(bounds.Dx(), bounds.Dy(), t.TileSize, t.Overlap)
	if err != nil {
		return nil, err
	}
	return &Sequence{
		img:     img,
		offset:  bounds.Min,
		grid:    grid,
		overlap: t.Overlap,
	}, nil
}

// TileImage pairs a tile's position with its cropped pixels.
type TileImage struct {
	Tile  types.Tile
	Image *image.NRGBA
}

// Sequence iterates over the tiles of one image. Not safe for
// concurrent use; create one sequence per goroutine or guard externally.
type Sequence struct {
	img     image.Image
	offset  image.Point
	grid    []image.Rectangle
	overlap int
	next    int
}

// Len returns the total number of tiles in the sequence.
func (s *Sequence) Len() int { return len(s.grid) }

// Next crops and returns the next tile. The second return is false once
// the sequence is exhausted.
func (s *Sequence) Next() (TileImage, bool) {
	if s.next >= len(s.grid) {
		return TileImage{}, false
	}
	r := s.grid[s.next]
	idx := s.next
	s.next++

	cropped := imaging.Crop(s.img, r.Add(s.offset))
	return TileImage{
		Tile: types.Tile{
			Index:   idx,
			X:       r.Min.X,
			Y:       r.Min.Y,
			W:       r.Dx(),
			H:       r.Dy(),
			Overlap: s.overlap,
		},
		Image: cropped,
	}, true
}

// Reset rewinds the sequence to its first tile.
func (s *Sequence) Reset() { s.next = 0 }
