package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/menta2k/debris-scan/internal/utils"
	"github.com/menta2k/debris-scan/pkg/orchestrator"
	"github.com/menta2k/debris-scan/pkg/queue"
	"github.com/menta2k/debris-scan/pkg/types"
)

// multipartMemory is the in-memory threshold for parsing uploads;
// larger files spill to disk.
const multipartMemory = 64 << 20

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}()

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no images in submission (use the images form field)")
		return
	}

	threshold, err := s.parseConfidence(r.FormValue("confidence_threshold"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resample := false
	if v := r.FormValue("resample"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "resample must be a boolean, got "+v)
			return
		}
		resample = b
	}

	meta, platform, err := s.parseSensor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if resample && meta == nil {
		writeError(w, http.StatusBadRequest, "resampling requires sensor_platform or the raw optics fields")
		return
	}

	staging, err := os.MkdirTemp(s.cfg.StagingDir, "debris-upload-")
	if err != nil {
		s.logger.Errorw("creating staging directory", "error", err)
		writeError(w, http.StatusInternalServerError, "could not stage the upload")
		return
	}

	sources, err := saveUploads(staging, files, meta)
	if err != nil {
		os.RemoveAll(staging)
		if types.IsInputError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Errorw("saving uploads", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store the uploaded images")
		return
	}

	rec, err := s.orch.Submit(r.Context(), orchestrator.Submission{
		Images: sources,
		Config: types.JobConfig{
			ConfidenceThreshold: threshold,
			Resample:            resample,
			SensorPlatform:      platform,
		},
		CleanupDir: staging,
	})
	if err != nil {
		os.RemoveAll(staging)
		switch {
		case errors.Is(err, queue.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		case types.IsStorageError(err):
			s.logger.Errorw("creating job", "error", err)
			writeError(w, http.StatusInternalServerError, "could not create the job")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": rec.ID,
		"status": rec.Status,
		"images": len(rec.Images),
	})
}

// parseConfidence converts the API's percent field to the pipeline's
// [0,1] threshold.
func (s *Server) parseConfidence(v string) (float64, error) {
	pct := s.cfg.DefaultConfidencePercent
	if v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errors.Errorf("confidence_threshold is not a number: %s", v)
		}
		pct = parsed
	}
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return 0, errors.Errorf("confidence_threshold must be within 0-100, got %v", pct)
	}
	return pct / 100, nil
}

// parseSensor resolves optics metadata from either a registered
// platform name or the raw optics fields. Returns nil metadata when the
// submission carries neither.
func (s *Server) parseSensor(r *http.Request) (*types.SensorMeta, string, error) {
	aglStr := r.FormValue("flight_agl_m")

	if platform := r.FormValue("sensor_platform"); platform != "" {
		if aglStr == "" {
			return nil, "", errors.New("sensor_platform requires flight_agl_m")
		}
		agl, err := strconv.ParseFloat(aglStr, 64)
		if err != nil {
			return nil, "", errors.Errorf("flight_agl_m is not a number: %s", aglStr)
		}
		meta, err := s.sensors.Resolve(platform, agl)
		if err != nil {
			return nil, "", err
		}
		return meta, platform, nil
	}

	raw := map[string]string{
		"focal_length_mm":  r.FormValue("focal_length_mm"),
		"sensor_width_cm":  r.FormValue("sensor_width_cm"),
		"sensor_height_cm": r.FormValue("sensor_height_cm"),
		"flight_agl_m":     aglStr,
	}
	any := false
	for _, v := range raw {
		if v != "" {
			any = true
		}
	}
	if !any {
		return nil, "", nil
	}

	vals := map[string]float64{}
	for field, v := range raw {
		if v == "" {
			return nil, "", errors.Errorf("raw optics submission is missing %s", field)
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, "", errors.Errorf("%s is not a number: %s", field, v)
		}
		if parsed <= 0 {
			return nil, "", errors.Errorf("%s must be positive, got %v", field, parsed)
		}
		vals[field] = parsed
	}
	return &types.SensorMeta{
		FocalLengthMM:  vals["focal_length_mm"],
		SensorWidthCM:  vals["sensor_width_cm"],
		SensorHeightCM: vals["sensor_height_cm"],
		FlightAGLM:     vals["flight_agl_m"],
	}, "", nil
}

// saveUploads writes each uploaded file into the staging directory,
// deduplicating repeated filenames within one submission.
func saveUploads(staging string, files []*multipart.FileHeader, meta *types.SensorMeta) ([]types.SourceImage, error) {
	seen := map[string]bool{}
	sources := make([]types.SourceImage, 0, len(files))
	for i, fh := range files {
		name := filepath.Base(fh.Filename)
		if name == "" || name == "." || name == string(filepath.Separator) {
			return nil, types.NewInputError(errors.Errorf("upload %d has no usable filename", i))
		}
		if !utils.IsApprovedImage(name) {
			return nil, types.NewInputError(errors.Errorf("unsupported image type: %s (approved: %s)",
				name, strings.Join(utils.ApprovedExtensions(), ", ")))
		}
		if seen[name] {
			name = fmt.Sprintf("%d_%s", i, name)
		}
		seen[name] = true

		dst := filepath.Join(staging, utils.SanitizeFilename(name))
		if err := saveFile(fh, dst); err != nil {
			return nil, errors.Wrapf(err, "storing %s", name)
		}
		sources = append(sources, types.SourceImage{Name: name, Path: dst, Sensor: meta})
	}
	return sources, nil
}

func saveFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
