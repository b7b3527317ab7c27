package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edaniels/golog"

	"github.com/menta2k/debris-scan/internal/config"
	"github.com/menta2k/debris-scan/internal/logging"
	"github.com/menta2k/debris-scan/internal/utils"
	"github.com/menta2k/debris-scan/pkg/inference"
	"github.com/menta2k/debris-scan/pkg/jobstore"
	"github.com/menta2k/debris-scan/pkg/orchestrator"
	"github.com/menta2k/debris-scan/pkg/report"
	"github.com/menta2k/debris-scan/pkg/sensors"
	"github.com/menta2k/debris-scan/pkg/server"
	"github.com/menta2k/debris-scan/pkg/types"
)

func main() {
	var serve bool
	var configPath, addr, in, outDir, inferURL string
	var confidence float64
	var resampleOn bool
	var platform string
	var agl float64
	var workers int
	var mongoURI, sensorFile string
	var debug bool

	flag.BoolVar(&serve, "serve", false, "run the HTTP API and worker pool")
	flag.StringVar(&configPath, "config", "", "path to a JSON config file")
	flag.StringVar(&addr, "addr", "", "listen address for -serve (overrides config)")
	flag.StringVar(&in, "in", "", "image file or directory for a one-shot scan")
	flag.StringVar(&outDir, "out", "", "results directory (overrides config)")
	flag.StringVar(&inferURL, "url", "", "detector endpoint URL (overrides config)")
	flag.Float64Var(&confidence, "confidence", -1, "confidence threshold in percent (0-100)")
	flag.BoolVar(&resampleOn, "resample", false, "resample toward the detector GSD (needs -platform and -agl)")
	flag.StringVar(&platform, "platform", "", "sensor platform name from the registry")
	flag.Float64Var(&agl, "agl", 0, "flight altitude above ground in meters")
	flag.IntVar(&workers, "workers", 0, "image worker count (overrides config)")
	flag.StringVar(&mongoURI, "mongo", "", "MongoDB URI for job state (default: in-memory)")
	flag.StringVar(&sensorFile, "sensors", "", "YAML file with extra sensor platforms")
	flag.BoolVar(&debug, "debug", false, "verbose logging")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if outDir != "" {
		cfg.Storage.ResultsDir = outDir
	}
	if inferURL != "" {
		cfg.Inference.URL = inferURL
	}
	if workers > 0 {
		cfg.Pipeline.Workers = workers
	}
	if mongoURI != "" {
		cfg.Storage.MongoURI = mongoURI
	}
	if sensorFile != "" {
		cfg.Storage.SensorFile = sensorFile
	}
	if confidence >= 0 {
		cfg.Pipeline.DefaultConfidencePercent = confidence
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.NewLogger("debris-scan")
	if debug {
		logger = logging.NewDevelopmentLogger("debris-scan")
	}

	registry := sensors.Default()
	if cfg.Storage.SensorFile != "" {
		loaded, err := sensors.Load(cfg.Storage.SensorFile)
		if err != nil {
			log.Fatalf("loading sensor registry: %v", err)
		}
		registry = loaded
	}

	ctx := context.Background()
	var store jobstore.Store = jobstore.NewMemStore()
	if cfg.Storage.MongoURI != "" {
		mongoStore, err := jobstore.NewMongoStore(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, logger)
		if err != nil {
			log.Fatalf("connecting job store: %v", err)
		}
		store = mongoStore
	}
	defer store.Close(context.Background())

	detector, err := inference.NewHTTPClient(cfg.Inference.URL, inference.Options{
		MaxAttempts: cfg.Inference.MaxAttempts,
		BackoffBase: time.Duration(cfg.Inference.BackoffMS) * time.Millisecond,
		Timeout:     time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		ContentType: tileContentType(cfg.Inference.TileFormat),
	}, logger)
	if err != nil {
		log.Fatalf("creating detector client: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Workers:     cfg.Pipeline.Workers,
		TileFanout:  cfg.Pipeline.TileFanout,
		TileSize:    cfg.Pipeline.TileSize,
		TileOverlap: cfg.Pipeline.TileOverlap,
		TargetGSD:   cfg.Pipeline.TargetGSDCM,
		ResultsDir:  cfg.Storage.ResultsDir,
		JPEGQuality: cfg.Storage.JPEGQuality,
		TileFormat:  cfg.Inference.TileFormat,
	}, store, detector, logger)
	if err != nil {
		log.Fatalf("creating orchestrator: %v", err)
	}
	orch.Start()

	if serve {
		runServer(cfg, orch, registry, logger)
		return
	}
	runScan(ctx, cfg, orch, registry, logger, in, resampleOn, platform, agl)
}

// runServer blocks until the listener fails or a shutdown signal
// arrives, then drains the worker pool.
func runServer(cfg *config.Config, orch *orchestrator.Orchestrator, registry *sensors.Registry, logger golog.Logger) {
	srv := server.New(server.Config{
		Addr:                     cfg.Server.Addr,
		AllowedOrigins:           cfg.Server.AllowedOrigins,
		DefaultConfidencePercent: cfg.Pipeline.DefaultConfidencePercent,
	}, orch, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("http server: %v", err)
		}
	case s := <-sig:
		logger.Infow("shutting down", "signal", s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("http shutdown", "error", err)
	}
	if err := orch.Close(); err != nil {
		logger.Errorw("orchestrator shutdown", "error", err)
	}
}

// runScan submits the images under in as one job, waits for it and
// prints where the outputs landed.
func runScan(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, registry *sensors.Registry, logger golog.Logger, in string, resampleOn bool, platform string, agl float64) {
	if in == "" {
		log.Fatalf("usage: %s -in image-or-directory [-confidence 30] [-resample -platform name -agl meters] [-out dir], or %s -serve",
			filepath.Base(os.Args[0]), filepath.Base(os.Args[0]))
	}

	var meta *types.SensorMeta
	if resampleOn {
		if platform == "" || agl <= 0 {
			log.Fatalf("-resample needs -platform and a positive -agl (known platforms: %v)", registry.Names())
		}
		resolved, err := registry.Resolve(platform, agl)
		if err != nil {
			log.Fatalf("resolving sensor platform: %v", err)
		}
		meta = resolved
	}

	sources, err := collectImages(in, meta)
	if err != nil {
		log.Fatalf("collecting images: %v", err)
	}

	rec, err := orch.Submit(ctx, orchestrator.Submission{
		Images: sources,
		Config: types.JobConfig{
			ConfidenceThreshold: cfg.Pipeline.DefaultConfidencePercent / 100,
			Resample:            resampleOn,
			SensorPlatform:      platform,
		},
	})
	if err != nil {
		log.Fatalf("submitting job: %v", err)
	}
	logger.Infow("job submitted", "job", rec.ID, "images", len(sources))

	final, err := orch.Wait(ctx, rec.ID)
	if err != nil {
		log.Fatalf("waiting for job: %v", err)
	}
	if err := orch.Close(); err != nil {
		logger.Errorw("orchestrator shutdown", "error", err)
	}

	for _, img := range final.Images {
		if img.Status == types.ImageSucceeded {
			logger.Infow("image done", "image", img.Name, "detections", img.Detections, "tiles_failed", img.TilesFailed)
		} else {
			logger.Warnw("image not processed", "image", img.Name, "status", img.Status, "error", img.Error)
		}
	}
	logger.Infow("job finished", "job", rec.ID, "status", final.Status,
		"outputs", report.JobDir(cfg.Storage.ResultsDir, rec.ID))

	if final.Status != types.JobCompleted {
		os.Exit(1)
	}
}

// collectImages expands a file or directory argument into job sources.
func collectImages(in string, meta *types.SensorMeta) ([]types.SourceImage, error) {
	info, err := os.Stat(in)
	if err != nil {
		return nil, err
	}

	var paths []string
	if info.IsDir() {
		paths, err = utils.ListImageFiles(in)
		if err != nil {
			return nil, err
		}
	} else {
		paths = []string{in}
	}

	sources := make([]types.SourceImage, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, types.SourceImage{
			Name:   filepath.Base(p),
			Path:   p,
			Sensor: meta,
		})
	}
	return sources, nil
}

func tileContentType(format string) string {
	if format == "png" {
		return "image/png"
	}
	return "image/jpeg"
}
