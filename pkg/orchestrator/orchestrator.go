// Package orchestrator runs scan jobs end to end: it accepts
// submissions, schedules their images across a worker pool, tracks
// per-image progress in the job store and finalizes the job's result
// directory once the last image settles.
package orchestrator

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/menta2k/debris-scan/internal/utils"
	"github.com/menta2k/debris-scan/pkg/imageio"
	"github.com/menta2k/debris-scan/pkg/inference"
	"github.com/menta2k/debris-scan/pkg/jobstore"
	"github.com/menta2k/debris-scan/pkg/merge"
	"github.com/menta2k/debris-scan/pkg/queue"
	"github.com/menta2k/debris-scan/pkg/report"
	"github.com/menta2k/debris-scan/pkg/resample"
	"github.com/menta2k/debris-scan/pkg/tiling"
	"github.com/menta2k/debris-scan/pkg/types"
)

// Errors reported to callers of job accessors.
var (
	// ErrNotReady means the job has not reached a terminal state yet, or
	// its result bundle is still being written.
	ErrNotReady = errors.New("job result not ready")

	errCancelled   = errors.New("job cancelled")
	errJobFinished = errors.New("job already finished")
)

// Config holds the orchestrator's processing parameters. Zero values
// fall back to the defaults below.
type Config struct {
	// Workers is the number of images processed in parallel.
	Workers int
	// TileFanout is the number of tiles in flight per image.
	TileFanout int
	// TileSize and TileOverlap define the tile grid.
	TileSize    int
	TileOverlap int
	// TargetGSD is the detector's training resolution in cm per pixel.
	TargetGSD float64
	// ResultsDir is the root under which per-job output directories live.
	ResultsDir string
	// QueueDepth bounds how many images may wait for a worker.
	QueueDepth int
	// JPEGQuality and TileFormat configure the image codec.
	JPEGQuality int
	TileFormat  string
	// Colors optionally overrides the per-class annotation colors.
	Colors report.ColorMap
}

func (c *Config) setDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.TileFanout < 1 {
		c.TileFanout = 4
	}
	if c.TileSize == 0 {
		c.TileSize = 512
	}
	if c.TileOverlap == 0 && c.TileSize > 64 {
		c.TileOverlap = 64
	}
	if c.TargetGSD == 0 {
		c.TargetGSD = resample.DefaultTargetGSD
	}
	if c.ResultsDir == "" {
		c.ResultsDir = "./results"
	}
	if c.QueueDepth < 1 {
		c.QueueDepth = 4 * c.Workers
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 90
	}
	if c.TileFormat == "" {
		c.TileFormat = "jpg"
	}
}

// Submission is a request to scan a set of images with shared
// processing parameters.
type Submission struct {
	Images []types.SourceImage
	Config types.JobConfig
	// CleanupDir, when set, is a staging directory holding the uploaded
	// files; it is removed once the job reaches a terminal state.
	CleanupDir string
}

// jobState is the in-process side of a running job: the pieces that do
// not belong in the shared status record.
type jobState struct {
	mu         sync.Mutex
	reports    map[int]*report.ImageReport
	failures   map[int]report.FailedImage
	cancel     *atomic.Bool
	cleanupDir string
	done       chan struct{}
}

// Orchestrator coordinates the scan pipeline. Create one with New,
// call Start to launch its workers, and Close to drain and stop them.
type Orchestrator struct {
	cfg    Config
	store  jobstore.Store
	infer  inference.Client
	codec  imageio.Codec
	tiler  *tiling.Tiler
	rs     *resample.Resampler
	merger *merge.Merger
	gen    *report.Generator
	queue  *queue.Queue
	logger golog.Logger

	mu     sync.Mutex
	active map[string]*jobState

	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup
	started   atomic.Bool
}

// New creates an Orchestrator. The tile geometry and target GSD are
// validated here so a bad deployment fails at startup, not per job.
func New(cfg Config, store jobstore.Store, infer inference.Client, logger golog.Logger) (*Orchestrator, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	tiler, err := tiling.New(cfg.TileSize, cfg.TileOverlap)
	if err != nil {
		return nil, err
	}
	rs, err := resample.NewWithTarget(cfg.TargetGSD)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(cfg.ResultsDir); err != nil {
		return nil, types.NewStorageError(err)
	}

	codec := imageio.NewWithOptions(cfg.JPEGQuality, cfg.TileFormat)
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		infer:     infer,
		codec:     codec,
		tiler:     tiler,
		rs:        rs,
		merger:    merge.New(),
		gen:       report.NewGenerator(codec, cfg.Colors, logger),
		queue:     queue.New(cfg.QueueDepth),
		logger:    logger,
		active:    make(map[string]*jobState),
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

// Start launches the worker pool. Safe to call once; later calls are
// no-ops.
func (o *Orchestrator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < o.cfg.Workers; i++ {
		o.workers.Add(1)
		go func(id int) {
			defer o.workers.Done()
			o.worker(id)
		}(i)
	}
	o.logger.Infow("orchestrator started", "workers", o.cfg.Workers, "tile_fanout", o.cfg.TileFanout)
}

// Close stops accepting work, lets the workers drain the queued
// backlog and returns once they have exited.
func (o *Orchestrator) Close() error {
	o.queue.Close()
	o.workers.Wait()
	o.runCancel()
	return nil
}

// Submit validates a submission, creates its job record and enqueues
// one task per image. It blocks when the queue is full, which is the
// intake backpressure for oversized jobs.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*types.JobRecord, error) {
	if len(sub.Images) == 0 {
		return nil, errors.New("a job needs at least one image")
	}
	ct := sub.Config.ConfidenceThreshold
	if math.IsNaN(ct) || ct < 0 || ct > 1 {
		return nil, errors.Errorf("confidence threshold must be within [0,1], got %v", ct)
	}
	for _, img := range sub.Images {
		if !utils.IsApprovedImage(img.Name) {
			return nil, types.NewInputError(errors.Errorf("unsupported image type: %s", img.Name))
		}
	}

	rec := &types.JobRecord{
		ID:      uuid.New().String(),
		Status:  types.JobQueued,
		Created: time.Now().UTC(),
		Config:  sub.Config,
		Images:  make([]types.ImageProgress, len(sub.Images)),
	}
	for i, img := range sub.Images {
		rec.Images[i] = types.ImageProgress{Name: img.Name, Status: types.ImagePending}
	}

	if err := o.store.Create(ctx, rec); err != nil {
		return nil, types.NewStorageError(errors.Wrap(err, "creating job record"))
	}
	st := o.ensureState(rec.ID)
	st.cleanupDir = sub.CleanupDir

	o.logger.Infow("job submitted", "job", rec.ID, "images", len(sub.Images),
		"confidence", sub.Config.ConfidenceThreshold, "resample", sub.Config.Resample)

	for i, img := range sub.Images {
		task := queue.Task{JobID: rec.ID, ImageIndex: i, Image: img, Config: sub.Config}
		if err := o.queue.Submit(ctx, task); err != nil {
			o.logger.Errorw("enqueue failed mid-submission", "job", rec.ID, "image", img.Name, "error", err)
			o.skipRemaining(rec.ID, i, err)
			return rec, errors.Wrapf(err, "enqueueing %s", img.Name)
		}
	}
	return rec, nil
}

// Status returns the job's current record.
func (o *Orchestrator) Status(ctx context.Context, id string) (*types.JobRecord, error) {
	return o.store.Get(ctx, id)
}

// List returns all known jobs, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]*types.JobRecord, error) {
	return o.store.List(ctx)
}

// Result returns the path of the job's download bundle. It fails with
// ErrNotReady until the job is terminal and the bundle exists.
func (o *Orchestrator) Result(ctx context.Context, id string) (string, *types.JobRecord, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !rec.Status.Terminal() {
		return "", rec, errors.Wrapf(ErrNotReady, "job is %s", rec.Status)
	}
	path := report.BundlePath(o.cfg.ResultsDir, id)
	if !utils.FileExists(path) {
		return "", rec, errors.Wrap(ErrNotReady, "bundle is still being written")
	}
	return path, rec, nil
}

// Cancel requests cooperative cancellation. Images already in flight
// finish; images not yet started are skipped. Cancelling a finished
// job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*types.JobRecord, error) {
	rec, err := o.store.Update(ctx, id, func(r *types.JobRecord) error {
		if r.Status.Terminal() {
			return errJobFinished
		}
		r.Cancelled = true
		return nil
	})
	if errors.Is(err, errJobFinished) {
		return o.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if st := o.state(id); st != nil {
		st.cancel.Store(true)
	}
	o.logger.Infow("job cancellation requested", "job", id)
	return rec, nil
}

// Wait blocks until the job finishes and its outputs are finalized.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*types.JobRecord, error) {
	st := o.state(id)
	if st == nil {
		rec, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		return nil, errors.Errorf("job %s is not tracked by this process", id)
	}
	select {
	case <-st.done:
		return o.store.Get(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker pulls tasks until the queue closes.
func (o *Orchestrator) worker(id int) {
	for {
		task, ok := o.queue.Pull(o.runCtx)
		if !ok {
			return
		}
		o.runTask(o.runCtx, task)
	}
}

// runTask drives one image through the pipeline and records its
// outcome. A panic in the pipeline fails the image, not the worker.
func (o *Orchestrator) runTask(ctx context.Context, task queue.Task) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorw("panic while processing image", "job", task.JobID, "image", task.Image.Name, "panic", r)
			o.completeImage(ctx, task, imageOutcome{err: errors.Errorf("internal error: %v", r)})
		}
	}()

	st := o.ensureState(task.JobID)
	if st.cancel.Load() {
		o.completeImage(ctx, task, imageOutcome{skipped: true})
		return
	}

	_, err := o.store.Update(ctx, task.JobID, func(r *types.JobRecord) error {
		if r.Status.Terminal() {
			return errJobFinished
		}
		if r.Cancelled {
			return errCancelled
		}
		if r.Status == types.JobQueued {
			r.Status = types.JobProcessing
		}
		r.Images[task.ImageIndex].Status = types.ImageRunning
		return nil
	})
	switch {
	case errors.Is(err, errJobFinished):
		return
	case errors.Is(err, errCancelled):
		st.cancel.Store(true)
		o.completeImage(ctx, task, imageOutcome{skipped: true})
		return
	case err != nil:
		o.logger.Errorw("marking image running", "job", task.JobID, "image", task.Image.Name, "error", err)
	}

	o.completeImage(ctx, task, o.processImage(ctx, st, task))
}

// completeImage commits an image's outcome. The update that settles
// the final image also derives the job's terminal status, and only the
// worker whose update did that runs finalization.
func (o *Orchestrator) completeImage(ctx context.Context, task queue.Task, out imageOutcome) {
	st := o.ensureState(task.JobID)
	st.mu.Lock()
	if out.report != nil {
		st.reports[task.ImageIndex] = out.report
	}
	switch {
	case out.skipped:
		st.failures[task.ImageIndex] = report.FailedImage{
			ImageName: task.Image.Name,
			Kind:      "cancelled",
			Reason:    "job cancelled before this image started",
		}
	case out.err != nil:
		st.failures[task.ImageIndex] = report.FailedImage{
			ImageName: task.Image.Name,
			Kind:      failureKind(out.err),
			Reason:    out.err.Error(),
		}
	}
	st.mu.Unlock()

	var madeTerminal bool
	rec, err := o.store.Update(ctx, task.JobID, func(r *types.JobRecord) error {
		madeTerminal = false
		img := &r.Images[task.ImageIndex]
		img.TilesTotal = out.tilesTotal
		img.TilesFailed = out.tilesFailed
		switch {
		case out.skipped:
			img.Status = types.ImageSkipped
			img.Error = "job cancelled"
		case out.err != nil:
			img.Status = types.ImageFailed
			img.Error = out.err.Error()
		default:
			img.Status = types.ImageSucceeded
			img.Detections = out.detections
			img.Error = ""
		}
		if !r.Status.Terminal() && r.ImagesDone() {
			r.Status = r.DeriveStatus()
			madeTerminal = true
		}
		return nil
	})
	if err != nil {
		o.logger.Errorw("recording image outcome", "job", task.JobID, "image", task.Image.Name, "error", err)
		return
	}

	if out.err != nil {
		o.logger.Warnw("image failed", "job", task.JobID, "image", task.Image.Name, "kind", failureKind(out.err), "error", out.err)
	} else if !out.skipped {
		o.logger.Infow("image processed", "job", task.JobID, "image", task.Image.Name,
			"detections", out.detections, "tiles", out.tilesTotal, "tiles_failed", out.tilesFailed)
	}

	if madeTerminal {
		o.finalize(rec)
	}
}

// skipRemaining marks images from index on as skipped after an
// enqueue failure, deriving the terminal state if that settles the job.
func (o *Orchestrator) skipRemaining(jobID string, from int, cause error) {
	var madeTerminal bool
	rec, err := o.store.Update(o.runCtx, jobID, func(r *types.JobRecord) error {
		madeTerminal = false
		for i := from; i < len(r.Images); i++ {
			if !r.Images[i].Status.Done() {
				r.Images[i].Status = types.ImageSkipped
				r.Images[i].Error = cause.Error()
			}
		}
		if !r.Status.Terminal() && r.ImagesDone() {
			r.Status = r.DeriveStatus()
			madeTerminal = true
		}
		return nil
	})
	if err != nil {
		o.logger.Errorw("skipping unqueued images", "job", jobID, "error", err)
		return
	}
	if madeTerminal {
		o.finalize(rec)
	}
}

// finalize writes the job-wide outputs and releases the in-process
// state. Called exactly once per job, by whichever worker's update made
// the job terminal.
func (o *Orchestrator) finalize(rec *types.JobRecord) {
	st := o.takeState(rec.ID)

	var reports []*report.ImageReport
	var failures []report.FailedImage
	names := make([]string, len(rec.Images))
	for i := range rec.Images {
		names[i] = rec.Images[i].Name
	}
	if st != nil {
		st.mu.Lock()
		for i := range rec.Images {
			if rep, ok := st.reports[i]; ok {
				reports = append(reports, rep)
			}
			if f, ok := st.failures[i]; ok {
				failures = append(failures, f)
			}
		}
		st.mu.Unlock()
	}

	manifest := report.Manifest{
		JobID:     rec.ID,
		Submitted: rec.Created,
		Images:    names,
		Config:    rec.Config,
	}
	jobDir := report.JobDir(o.cfg.ResultsDir, rec.ID)
	if err := o.gen.FinalizeJob(jobDir, manifest, reports, failures); err != nil {
		o.logger.Errorw("finalizing job outputs", "job", rec.ID, "error", err)
	}

	if st != nil {
		if st.cleanupDir != "" {
			if err := os.RemoveAll(st.cleanupDir); err != nil {
				o.logger.Warnw("removing staging directory", "job", rec.ID, "error", err)
			}
		}
		close(st.done)
	}
	o.logger.Infow("job finished", "job", rec.ID, "status", rec.Status)
}

func (o *Orchestrator) ensureState(jobID string) *jobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.active[jobID]
	if !ok {
		st = &jobState{
			reports:  make(map[int]*report.ImageReport),
			failures: make(map[int]report.FailedImage),
			cancel:   atomic.NewBool(false),
			done:     make(chan struct{}),
		}
		o.active[jobID] = st
	}
	return st
}

func (o *Orchestrator) state(jobID string) *jobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[jobID]
}

func (o *Orchestrator) takeState(jobID string) *jobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.active[jobID]
	delete(o.active, jobID)
	return st
}

// failureKind maps an image failure to its error manifest category.
func failureKind(err error) string {
	switch {
	case errors.Is(err, errCancelled):
		return "cancelled"
	case types.IsInputError(err):
		return "input_error"
	case types.IsGeometryError(err):
		return "geometry_error"
	case types.IsInferenceFailure(err):
		return "inference_failure"
	case types.IsStorageError(err):
		return "storage_error"
	default:
		return "internal_error"
	}
}
