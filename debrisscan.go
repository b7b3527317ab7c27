// Package debrisscan detects marine debris in aerial survey imagery.
//
// The pipeline slices large survey frames into overlapping tiles, sends
// each tile to an HTTP object detector, merges the per-tile detections
// back into whole-image coordinates and writes annotated images, CSV and
// JSON object tables and a zipped result bundle per job.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		debrisscan "github.com/menta2k/debris-scan"
//	)
//
//	func main() {
//		svc, err := debrisscan.New(debrisscan.Options{
//			Endpoint:   "http://localhost:8501/v1/detect",
//			ResultsDir: "./results",
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer svc.Close()
//
//		rec, err := svc.ScanDirectory(context.Background(), "./flight-042", debrisscan.ScanOptions{
//			ConfidencePercent: 40,
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("job %s finished: %s", rec.ID, rec.Status)
//	}
//
// The package consists of these main components:
//
// 1. Geometry (pkg/tiling, pkg/resample, pkg/geometry): overlapping tile
// grids, ground-sampling-distance normalization and pixel-to-geographic
// mapping
//
// 2. Inference (pkg/inference): the detector endpoint client with
// retry and backoff
//
// 3. Merging (pkg/merge): cross-tile deduplication of detections in the
// overlap bands
//
// 4. Reporting (pkg/report): annotated imagery, object tables, class
// counts, the job manifest and the downloadable bundle
//
// 5. Orchestration (pkg/orchestrator, pkg/jobstore, pkg/server): the
// worker pool, job lifecycle state and the REST API
package debrisscan

import (
	"context"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/menta2k/debris-scan/internal/utils"
	"github.com/menta2k/debris-scan/pkg/inference"
	"github.com/menta2k/debris-scan/pkg/jobstore"
	"github.com/menta2k/debris-scan/pkg/orchestrator"
	"github.com/menta2k/debris-scan/pkg/sensors"
	"github.com/menta2k/debris-scan/pkg/types"
)

// Version of the debris scan library
const Version = "1.0.0"

const defaultConfidencePercent = 30

// Options configures a Service. Zero values fall back to the pipeline
// defaults.
type Options struct {
	// Endpoint is the detector URL. Required unless Detector is set.
	Endpoint string
	// Detector overrides the HTTP client built from Endpoint. Useful for
	// custom transports and tests.
	Detector inference.Client
	// Store holds job state. Defaults to an in-memory store.
	Store jobstore.Store
	// Sensors resolves platform names to camera optics. Defaults to the
	// built-in registry.
	Sensors *sensors.Registry
	// Logger receives pipeline logs. Defaults to a no-op logger.
	Logger golog.Logger

	ResultsDir  string
	Workers     int
	TileFanout  int
	TileSize    int
	TileOverlap int
	TargetGSDCM float64
}

// ScanOptions control the convenience scan calls.
type ScanOptions struct {
	// ConfidencePercent is the keep threshold in percent (0-100). Zero
	// means the 30% default.
	ConfidencePercent float64
	// Resample rescales images toward the detector's target ground
	// sampling distance. Requires Platform and FlightAGLM.
	Resample   bool
	Platform   string
	FlightAGLM float64
}

// Service provides a high-level interface to the debris scan pipeline.
// The worker pool starts with New and runs until Close.
type Service struct {
	orch     *orchestrator.Orchestrator
	registry *sensors.Registry
}

// New creates a Service and starts its worker pool.
func New(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	registry := opts.Sensors
	if registry == nil {
		registry = sensors.Default()
	}

	store := opts.Store
	if store == nil {
		store = jobstore.NewMemStore()
	}

	detector := opts.Detector
	if detector == nil {
		if opts.Endpoint == "" {
			return nil, errors.New("an Endpoint or a Detector is required")
		}
		client, err := inference.NewHTTPClient(opts.Endpoint, inference.DefaultOptions(), logger)
		if err != nil {
			return nil, errors.Wrap(err, "creating detector client")
		}
		detector = client
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Workers:     opts.Workers,
		TileFanout:  opts.TileFanout,
		TileSize:    opts.TileSize,
		TileOverlap: opts.TileOverlap,
		TargetGSD:   opts.TargetGSDCM,
		ResultsDir:  opts.ResultsDir,
	}, store, detector, logger)
	if err != nil {
		return nil, err
	}
	orch.Start()

	return &Service{orch: orch, registry: registry}, nil
}

// Submit queues a job without waiting for it.
func (s *Service) Submit(ctx context.Context, sub orchestrator.Submission) (*types.JobRecord, error) {
	return s.orch.Submit(ctx, sub)
}

// Status returns the current record for a job.
func (s *Service) Status(ctx context.Context, id string) (*types.JobRecord, error) {
	return s.orch.Status(ctx, id)
}

// List returns all known jobs, newest first.
func (s *Service) List(ctx context.Context) ([]*types.JobRecord, error) {
	return s.orch.List(ctx)
}

// Result returns the path of a finished job's bundle. It returns
// orchestrator.ErrNotReady while the job is still running.
func (s *Service) Result(ctx context.Context, id string) (string, error) {
	path, _, err := s.orch.Result(ctx, id)
	return path, err
}

// Cancel asks a running job to stop. Queued images are skipped;
// in-flight tiles finish.
func (s *Service) Cancel(ctx context.Context, id string) (*types.JobRecord, error) {
	return s.orch.Cancel(ctx, id)
}

// Wait blocks until the job reaches a terminal state or ctx ends.
func (s *Service) Wait(ctx context.Context, id string) (*types.JobRecord, error) {
	return s.orch.Wait(ctx, id)
}

// Sensors returns the platform registry backing metadata resolution.
func (s *Service) Sensors() *sensors.Registry {
	return s.registry
}

// Close drains the worker pool and releases the service.
func (s *Service) Close() error {
	return s.orch.Close()
}

// ScanImage runs a single image as a job and waits for its terminal
// record. Outputs land under ResultsDir/<job id>.
func (s *Service) ScanImage(ctx context.Context, path string, opts ScanOptions) (*types.JobRecord, error) {
	return s.scan(ctx, []string{path}, opts)
}

// ScanDirectory scans every supported image under dir as one job and
// waits for its terminal record.
func (s *Service) ScanDirectory(ctx context.Context, dir string, opts ScanOptions) (*types.JobRecord, error) {
	paths, err := utils.ListImageFiles(dir)
	if err != nil {
		return nil, errors.Wrap(err, "listing images")
	}
	return s.scan(ctx, paths, opts)
}

func (s *Service) scan(ctx context.Context, paths []string, opts ScanOptions) (*types.JobRecord, error) {
	pct := opts.ConfidencePercent
	if pct <= 0 {
		pct = defaultConfidencePercent
	}

	var meta *types.SensorMeta
	if opts.Resample {
		resolved, err := s.registry.Resolve(opts.Platform, opts.FlightAGLM)
		if err != nil {
			return nil, err
		}
		meta = resolved
	}

	sources := make([]types.SourceImage, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, types.SourceImage{
			Name:   filepath.Base(p),
			Path:   p,
			Sensor: meta,
		})
	}

	rec, err := s.Submit(ctx, orchestrator.Submission{
		Images: sources,
		Config: types.JobConfig{
			ConfidenceThreshold: pct / 100,
			Resample:            opts.Resample,
			SensorPlatform:      opts.Platform,
		},
	})
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, rec.ID)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
