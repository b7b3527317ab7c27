// Package report persists the human-readable outputs of a scan job:
// annotated copies of each image, per-image and job-wide detection
// tables, class count summaries and a downloadable bundle.
package report

import (
	"encoding/csv"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/menta2k/debris-scan/internal/utils"
	"github.com/menta2k/debris-scan/pkg/geometry"
	"github.com/menta2k/debris-scan/pkg/imageio"
	"github.com/menta2k/debris-scan/pkg/types"
)

// File names written at the job directory root.
const (
	AllObjectsCSV  = "all_objects.csv"
	AllObjectsJSON = "all_objects.json"
	ClassCountsCSV = "class_counts.csv"
	ManifestFile   = "manifest.json"
	ErrorsFile     = "errors.json"
	BundleFile     = "bundle.zip"

	imagesDir  = "images"
	resultsDir = "results"
)

var csvHeader = []string{
	"filename", "class_name", "class_id", "score",
	"ymin", "xmin", "ymax", "xmax", "longitude", "latitude",
}

// Row is one detection as it appears in the CSV and JSON tables.
// Longitude and latitude are only set when the source image carried
// georeferencing information.
type Row struct {
	Filename  string   `json:"filename"`
	ClassName string   `json:"class_name"`
	ClassID   int      `json:"class_id"`
	Score     float64  `json:"score"`
	YMin      float64  `json:"ymin"`
	XMin      float64  `json:"xmin"`
	YMax      float64  `json:"ymax"`
	XMax      float64  `json:"xmax"`
	Longitude *float64 `json:"longitude,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
}

// ImageReport collects what was persisted for one successfully
// processed image.
type ImageReport struct {
	ImageName     string `json:"image_name"`
	AnnotatedPath string `json:"annotated_path"`
	Rows          []Row  `json:"rows"`
}

// FailedImage is one entry in the job's error manifest.
type FailedImage struct {
	ImageName string `json:"image_name"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
}

// Manifest echoes the submission a job was created from.
type Manifest struct {
	JobID     string          `json:"job_id"`
	Submitted time.Time       `json:"submitted"`
	Images    []string        `json:"images"`
	Config    types.JobConfig `json:"config"`
}

// Generator writes job outputs beneath a per-job directory. All writes
// replace whatever a previous attempt left behind, so re-running a
// finalize step is safe.
type Generator struct {
	codec  imageio.Codec
	colors ColorMap
	logger golog.Logger
}

// NewGenerator creates a Generator using the given codec for annotated
// image output.
func NewGenerator(codec imageio.Codec, colors ColorMap, logger golog.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Generator{codec: codec, colors: colors, logger: logger}
}

// WriteImageResults renders the annotated copy of an image and writes
// its per-image detection tables. Detections must already be in the
// image's native pixel space. Failures are reported as storage errors.
func (g *Generator) WriteImageResults(jobDir, imageName string, img image.Image, dets []types.Detection, geo geometry.GeoTransform) (*ImageReport, error) {
	if err := utils.EnsureDir(filepath.Join(jobDir, imagesDir)); err != nil {
		return nil, types.NewStorageError(err)
	}
	if err := utils.EnsureDir(filepath.Join(jobDir, resultsDir)); err != nil {
		return nil, types.NewStorageError(err)
	}

	rows := buildRows(imageName, dets, geo)

	annotated := Annotate(img, dets, g.colors)
	annotatedPath := filepath.Join(jobDir, imagesDir, utils.AnnotatedImageName(imageName))
	if err := g.codec.Save(annotated, annotatedPath); err != nil {
		return nil, types.NewStorageError(errors.Wrapf(err, "saving annotated image for %s", imageName))
	}

	base := utils.BaseName(imageName)
	csvPath := filepath.Join(jobDir, resultsDir, base+"_objects.csv")
	if err := writeRowsCSV(csvPath, rows); err != nil {
		return nil, types.NewStorageError(err)
	}
	jsonPath := filepath.Join(jobDir, resultsDir, base+"_objects.json")
	if err := writeJSON(jsonPath, rows); err != nil {
		return nil, types.NewStorageError(err)
	}

	g.logger.Debugw("wrote image results", "image", imageName, "detections", len(rows))
	return &ImageReport{ImageName: imageName, AnnotatedPath: annotatedPath, Rows: rows}, nil
}

// FinalizeJob writes the job-wide outputs: the combined detection
// tables, the class count summary, the submission manifest, the error
// manifest when any image failed, and the download bundle. Every file
// is attempted even when an earlier one fails; the combined error is
// returned as a storage error.
func (g *Generator) FinalizeJob(jobDir string, manifest Manifest, reports []*ImageReport, failures []FailedImage) error {
	if err := utils.EnsureDir(jobDir); err != nil {
		return types.NewStorageError(err)
	}

	var all []Row
	for _, r := range reports {
		if r == nil {
			continue
		}
		all = append(all, r.Rows...)
	}

	var werr error
	werr = multierr.Append(werr, writeRowsCSV(filepath.Join(jobDir, AllObjectsCSV), all))
	werr = multierr.Append(werr, writeJSON(filepath.Join(jobDir, AllObjectsJSON), all))
	werr = multierr.Append(werr, writeClassCounts(filepath.Join(jobDir, ClassCountsCSV), all))
	werr = multierr.Append(werr, writeJSON(filepath.Join(jobDir, ManifestFile), manifest))

	if len(failures) > 0 {
		werr = multierr.Append(werr, writeJSON(filepath.Join(jobDir, ErrorsFile), failures))
	} else {
		// A rerun after a previously failed attempt must not leave a
		// stale error manifest behind.
		if err := os.Remove(filepath.Join(jobDir, ErrorsFile)); err != nil && !os.IsNotExist(err) {
			werr = multierr.Append(werr, err)
		}
	}

	if werr == nil {
		werr = multierr.Append(werr, writeBundle(jobDir))
	}

	if werr != nil {
		return types.NewStorageError(errors.Wrap(werr, "finalizing job outputs"))
	}
	g.logger.Infow("finalized job outputs", "dir", jobDir, "images", len(reports), "failures", len(failures), "detections", len(all))
	return nil
}

// buildRows converts detections to table rows, georeferencing box
// centers when a transform is available.
func buildRows(imageName string, dets []types.Detection, geo geometry.GeoTransform) []Row {
	rows := make([]Row, 0, len(dets))
	for _, d := range dets {
		row := Row{
			Filename:  imageName,
			ClassName: d.Class,
			ClassID:   d.ClassID,
			Score:     d.Score,
			YMin:      d.Box.Y0,
			XMin:      d.Box.X0,
			YMax:      d.Box.Y1,
			XMax:      d.Box.X1,
		}
		if geo != nil {
			cx := (d.Box.X0 + d.Box.X1) / 2
			cy := (d.Box.Y0 + d.Box.Y1) / 2
			lon, lat := geo.PixelToGeo(cx, cy)
			row.Longitude = &lon
			row.Latitude = &lat
		}
		rows = append(rows, row)
	}
	return rows
}

func writeRowsCSV(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Base(path))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Filename,
			r.ClassName,
			strconv.Itoa(r.ClassID),
			strconv.FormatFloat(r.Score, 'f', 4, 64),
			strconv.FormatFloat(r.YMin, 'f', 1, 64),
			strconv.FormatFloat(r.XMin, 'f', 1, 64),
			strconv.FormatFloat(r.YMax, 'f', 1, 64),
			strconv.FormatFloat(r.XMax, 'f', 1, 64),
			"",
			"",
		}
		if r.Longitude != nil {
			rec[8] = strconv.FormatFloat(*r.Longitude, 'f', 7, 64)
		}
		if r.Latitude != nil {
			rec[9] = strconv.FormatFloat(*r.Latitude, 'f', 7, 64)
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "writing %s", filepath.Base(path))
	}
	return f.Close()
}

// writeClassCounts writes the per-class detection tally with a trailing
// sum row.
func writeClassCounts(path string, rows []Row) error {
	counts := map[string]int{}
	for _, r := range rows {
		counts[r.ClassName]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Base(path))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"class_name", "count"}); err != nil {
		return err
	}
	total := 0
	for _, name := range names {
		total += counts[name]
		if err := w.Write([]string{name, strconv.Itoa(counts[name])}); err != nil {
			return err
		}
	}
	if err := w.Write([]string{"total debris (sum)", strconv.Itoa(total)}); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "writing %s", filepath.Base(path))
	}
	return f.Close()
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", filepath.Base(path))
	}
	return nil
}

// JobDir returns the output directory used for a job.
func JobDir(resultsRoot, jobID string) string {
	return filepath.Join(resultsRoot, jobID)
}

// BundlePath returns where a job's download bundle lives.
func BundlePath(resultsRoot, jobID string) string {
	return filepath.Join(JobDir(resultsRoot, jobID), BundleFile)
}
