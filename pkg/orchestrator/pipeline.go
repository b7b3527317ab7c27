package orchestrator

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/debris-scan/pkg/geometry"
	"github.com/menta2k/debris-scan/pkg/merge"
	"github.com/menta2k/debris-scan/pkg/queue"
	"github.com/menta2k/debris-scan/pkg/report"
	"github.com/menta2k/debris-scan/pkg/tiling"
	"github.com/menta2k/debris-scan/pkg/types"
)

// GeoSource is implemented by codecs able to recover georeferencing
// for a stored image. When the configured codec implements it, result
// rows carry geographic coordinates.
type GeoSource interface {
	GeoTransform(path string) (geometry.GeoTransform, bool)
}

// imageOutcome is the result of running one image through the
// pipeline.
type imageOutcome struct {
	skipped     bool
	err         error
	detections  int
	tilesTotal  int
	tilesFailed int
	report      *report.ImageReport
}

// tileOutcome is written by exactly one tile goroutine at its own
// index, so the slice needs no lock.
type tileOutcome struct {
	ran    bool
	origin image.Point
	dets   []types.Detection
	err    error
}

// processImage runs the load, resample, tile, infer, merge and report
// stages for one image. Tile failures are tolerated up to the point
// where no tile succeeded; every other stage failure fails the image.
func (o *Orchestrator) processImage(ctx context.Context, st *jobState, task queue.Task) imageOutcome {
	img, err := o.codec.Load(task.Image.Path)
	if err != nil {
		return imageOutcome{err: types.NewInputError(errors.Wrapf(err, "loading %s", task.Image.Name))}
	}

	// Rescale toward the detector's training GSD when requested and the
	// image carries usable optics metadata.
	work := img
	scale := 1.0
	if task.Config.Resample {
		if task.Image.Sensor == nil {
			o.logger.Debugw("resample requested without sensor metadata, using native resolution",
				"job", task.JobID, "image", task.Image.Name)
		} else {
			native, ok := geometry.EstimateGSDFromMeta(*task.Image.Sensor, img.Bounds().Dx(), img.Bounds().Dy())
			if !ok {
				return imageOutcome{err: types.NewInputError(errors.Errorf("sensor metadata for %s is incomplete", task.Image.Name))}
			}
			work, scale, err = o.rs.Resample(img, native)
			if err != nil {
				return imageOutcome{err: err}
			}
			o.logger.Debugw("resampled image", "job", task.JobID, "image", task.Image.Name,
				"native_gsd_cm", native, "scale", scale, "size", work.Bounds().Size())
		}
	}

	seq, err := o.tiler.Sequence(work)
	if err != nil {
		return imageOutcome{err: err}
	}
	total := seq.Len()
	outcomes := make([]tileOutcome, total)

	var g errgroup.Group
	g.SetLimit(o.cfg.TileFanout)
	cancelled := false
	for {
		ti, ok := seq.Next()
		if !ok {
			break
		}
		// Cooperative cancellation: launched tiles finish, but no new
		// tile starts once the flag is observed.
		if st.cancel.Load() {
			cancelled = true
			break
		}
		g.Go(func() error {
			// A tile failure must not abort the image, so errors land
			// in the outcome slot and the goroutine always returns nil.
			dets, ierr := o.inferTile(ctx, ti)
			outcomes[ti.Tile.Index] = tileOutcome{
				ran:    true,
				origin: image.Pt(ti.Tile.X, ti.Tile.Y),
				dets:   dets,
				err:    ierr,
			}
			return nil
		})
	}
	g.Wait()

	failed := 0
	var tiles []merge.TileDetections
	var tileErrs error
	for i := range outcomes {
		oc := &outcomes[i]
		if !oc.ran {
			continue
		}
		if oc.err != nil {
			failed++
			tileErrs = multierr.Append(tileErrs, oc.err)
			continue
		}
		tiles = append(tiles, merge.TileDetections{Origin: oc.origin, Detections: oc.dets})
	}

	if cancelled {
		return imageOutcome{err: errCancelled, tilesTotal: total, tilesFailed: failed}
	}
	if failed == total {
		return imageOutcome{
			err:         types.NewInferenceFailure(errors.Wrap(tileErrs, "every tile failed")),
			tilesTotal:  total,
			tilesFailed: failed,
		}
	}
	if failed > 0 {
		o.logger.Warnw("continuing with partial tile coverage",
			"job", task.JobID, "image", task.Image.Name, "failed", failed, "total", total)
	}

	merged, err := o.merger.Merge(tiles, task.Config.ConfidenceThreshold, scale)
	if err != nil {
		return imageOutcome{err: err, tilesTotal: total, tilesFailed: failed}
	}

	var geo geometry.GeoTransform
	if gs, ok := o.codec.(GeoSource); ok {
		geo, _ = gs.GeoTransform(task.Image.Path)
	}

	jobDir := report.JobDir(o.cfg.ResultsDir, task.JobID)
	rep, err := o.gen.WriteImageResults(jobDir, task.Image.Name, img, merged, geo)
	if err != nil {
		return imageOutcome{err: err, tilesTotal: total, tilesFailed: failed}
	}

	return imageOutcome{
		detections:  len(merged),
		tilesTotal:  total,
		tilesFailed: failed,
		report:      rep,
	}
}

// inferTile encodes one tile and calls the detector.
func (o *Orchestrator) inferTile(ctx context.Context, ti tiling.TileImage) ([]types.Detection, error) {
	encoded, err := o.codec.EncodeTile(ti.Image)
	if err != nil {
		return nil, types.NewInferenceFailure(errors.Wrapf(err, "encoding tile %d", ti.Tile.Index))
	}
	dets, err := o.infer.Infer(ctx, encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "tile %d", ti.Tile.Index)
	}
	return dets, nil
}
