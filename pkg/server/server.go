// Package server exposes the scan pipeline over HTTP: multipart job
// submission, status polling, cancellation and result download.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"goji.io"
	"goji.io/pat"

	"github.com/menta2k/debris-scan/pkg/jobstore"
	"github.com/menta2k/debris-scan/pkg/orchestrator"
	"github.com/menta2k/debris-scan/pkg/sensors"
)

// Config holds the HTTP surface settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// AllowedOrigins configures CORS; empty means allow all.
	AllowedOrigins []string
	// DefaultConfidencePercent applies when a submission omits the
	// confidence_threshold field.
	DefaultConfidencePercent float64
	// StagingDir is where uploads land before processing; empty uses
	// the system temp directory.
	StagingDir string
	// MaxUploadBytes caps a whole submission request body.
	MaxUploadBytes int64
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.DefaultConfidencePercent == 0 {
		c.DefaultConfidencePercent = 30
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 1 << 30
	}
}

// Server is the HTTP front of an orchestrator.
type Server struct {
	cfg     Config
	orch    *orchestrator.Orchestrator
	sensors *sensors.Registry
	logger  golog.Logger
	httpSrv *http.Server
}

// New creates a Server for the given orchestrator and sensor registry.
func New(cfg Config, orch *orchestrator.Orchestrator, reg *sensors.Registry, logger golog.Logger) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if reg == nil {
		reg = sensors.Default()
	}
	s := &Server{cfg: cfg, orch: orch, sensors: reg, logger: logger}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree. Exposed separately so tests can drive
// the API without a listener.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.Use(s.logRequests)

	mux.HandleFunc(pat.Post("/api/jobs"), s.handleSubmit)
	mux.HandleFunc(pat.Get("/api/jobs"), s.handleList)
	mux.HandleFunc(pat.Get("/api/jobs/:id"), s.handleStatus)
	mux.HandleFunc(pat.Get("/api/jobs/:id/result"), s.handleResult)
	mux.HandleFunc(pat.Post("/api/jobs/:id/cancel"), s.handleCancel)
	mux.HandleFunc(pat.Get("/healthz"), s.handleHealth)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("http api listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	rec, err := s.orch.Status(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		s.logger.Errorw("job status lookup", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.List(r.Context())
	if err != nil {
		s.logger.Errorw("job listing", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	path, rec, err := s.orch.Result(r.Context(), id)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown job")
		return
	case errors.Is(err, orchestrator.ErrNotReady):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "result not ready",
			"status": rec.Status,
		})
		return
	case err != nil:
		s.logger.Errorw("job result lookup", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "result lookup failed")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="debris-scan-%s.zip"`, id))
	http.ServeFile(w, r, path)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	rec, err := s.orch.Cancel(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	if err != nil {
		s.logger.Errorw("job cancel", "job", id, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
