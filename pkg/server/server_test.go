package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"

	"github.com/menta2k/debris-scan/pkg/inference"
	"github.com/menta2k/debris-scan/pkg/jobstore"
	"github.com/menta2k/debris-scan/pkg/orchestrator"
	"github.com/menta2k/debris-scan/pkg/sensors"
	"github.com/menta2k/debris-scan/pkg/types"
)

// jpegBytes encodes a gradient test image.
func jpegBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / width), G: uint8(y * 255 / height), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, detector inference.Client) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Config{
		Workers:     1,
		TileFanout:  1,
		TileSize:    64,
		TileOverlap: 16,
		ResultsDir:  t.TempDir(),
	}, jobstore.NewMemStore(), detector, golog.NewTestLogger(t))
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	orch.Start()
	t.Cleanup(func() { orch.Close() })

	srv := New(Config{StagingDir: t.TempDir()}, orch, sensors.Default(), golog.NewTestLogger(t))
	return srv.Handler(), orch
}

// multipartRequest builds a POST /api/jobs submission.
func multipartRequest(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("images", name)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("writing file part: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func doRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func submitJob(t *testing.T, handler http.Handler, fields map[string]string, files map[string][]byte) string {
	t.Helper()
	rr := doRequest(handler, multipartRequest(t, fields, files))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatalf("submit response has no job_id: %s", rr.Body.String())
	}
	return resp.JobID
}

func waitForJob(t *testing.T, orch *orchestrator.Orchestrator, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := orch.Wait(ctx, id); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestSubmitStatusResultFlow(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return []types.Detection{
			{Box: types.Box{X0: 10, Y0: 10, X1: 30, Y1: 30}, Class: "plastic", ClassID: 1, Score: 0.9},
		}, nil
	})
	handler, orch := newTestServer(t, detector)

	id := submitJob(t, handler, map[string]string{"confidence_threshold": "40"},
		map[string][]byte{"beach.jpg": jpegBytes(t, 60, 60)})
	waitForJob(t, orch, id)

	rr := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", rr.Code, rr.Body.String())
	}
	var rec types.JobRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if rec.Status != types.JobCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
	if len(rec.Images) != 1 || rec.Images[0].Detections != 1 {
		t.Errorf("unexpected image progress: %+v", rec.Images)
	}
	if rec.Config.ConfidenceThreshold != 0.4 {
		t.Errorf("ConfidenceThreshold = %v, want 0.4", rec.Config.ConfidenceThreshold)
	}

	rr = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("result code = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %s, want application/zip", ct)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("PK")) {
		t.Errorf("result body is not a zip archive")
	}
}

func TestSubmitWithPlatformMetadata(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return nil, nil
	})
	handler, orch := newTestServer(t, detector)

	id := submitJob(t, handler, map[string]string{
		"resample":        "true",
		"sensor_platform": "DJI Phantom 4 Pro",
		"flight_agl_m":    "1",
	}, map[string][]byte{"low.jpg": jpegBytes(t, 60, 60)})
	waitForJob(t, orch, id)

	rr := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	var rec types.JobRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if rec.Status != types.JobCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
	if rec.Config.SensorPlatform != "DJI Phantom 4 Pro" {
		t.Errorf("SensorPlatform = %q", rec.Config.SensorPlatform)
	}
	if !rec.Config.Resample {
		t.Errorf("Resample flag not recorded")
	}
}

func TestSubmitRawOptics(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return nil, nil
	})
	handler, orch := newTestServer(t, detector)

	// These optics put the native GSD exactly at the 2.0 target.
	id := submitJob(t, handler, map[string]string{
		"resample":         "true",
		"focal_length_mm":  "10",
		"sensor_width_cm":  "0.12",
		"sensor_height_cm": "0.12",
		"flight_agl_m":     "10",
	}, map[string][]byte{"calibrated.jpg": jpegBytes(t, 60, 60)})
	waitForJob(t, orch, id)

	rr := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	var rec types.JobRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if rec.Status != types.JobCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
}

func TestSubmitValidationFailures(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return nil, nil
	})
	handler, _ := newTestServer(t, detector)

	img := jpegBytes(t, 60, 60)
	cases := []struct {
		name   string
		fields map[string]string
		files  map[string][]byte
		want   string
	}{
		{
			name:   "no files",
			fields: nil,
			files:  nil,
			want:   "no images",
		},
		{
			name:   "unsupported extension",
			fields: nil,
			files:  map[string][]byte{"scan.bmp": img},
			want:   "unsupported image type",
		},
		{
			name:   "confidence above 100",
			fields: map[string]string{"confidence_threshold": "150"},
			files:  map[string][]byte{"a.jpg": img},
			want:   "confidence_threshold",
		},
		{
			name:   "confidence not a number",
			fields: map[string]string{"confidence_threshold": "high"},
			files:  map[string][]byte{"a.jpg": img},
			want:   "confidence_threshold",
		},
		{
			name:   "unknown platform",
			fields: map[string]string{"sensor_platform": "HomeMade Drone", "flight_agl_m": "30"},
			files:  map[string][]byte{"a.jpg": img},
			want:   "unknown sensor platform",
		},
		{
			name:   "platform without altitude",
			fields: map[string]string{"sensor_platform": "DJI Mavic 3"},
			files:  map[string][]byte{"a.jpg": img},
			want:   "flight_agl_m",
		},
		{
			name:   "incomplete raw optics",
			fields: map[string]string{"focal_length_mm": "10", "flight_agl_m": "30"},
			files:  map[string][]byte{"a.jpg": img},
			want:   "missing",
		},
		{
			name:   "resample without metadata",
			fields: map[string]string{"resample": "true"},
			files:  map[string][]byte{"a.jpg": img},
			want:   "resampling requires",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(handler, multipartRequest(t, tc.fields, tc.files))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tc.want) {
				t.Errorf("body %q does not mention %q", rr.Body.String(), tc.want)
			}
		})
	}
}

func TestListJobs(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return nil, nil
	})
	handler, orch := newTestServer(t, detector)

	first := submitJob(t, handler, nil, map[string][]byte{"a.jpg": jpegBytes(t, 60, 60)})
	second := submitJob(t, handler, nil, map[string][]byte{"b.jpg": jpegBytes(t, 60, 60)})
	waitForJob(t, orch, first)
	waitForJob(t, orch, second)

	rr := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Jobs []types.JobRecord `json:"jobs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	seen := make(map[string]bool, len(resp.Jobs))
	for _, rec := range resp.Jobs {
		seen[rec.ID] = true
	}
	if !seen[first] || !seen[second] {
		t.Errorf("listing misses submitted jobs: got %v, want %s and %s", seen, first, second)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return nil, nil
	})
	handler, _ := newTestServer(t, detector)

	rr := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	rr = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/nope/result", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("result status = %d, want 404", rr.Code)
	}
	rr = doRequest(handler, httptest.NewRequest(http.MethodPost, "/api/jobs/nope/cancel", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("cancel status = %d, want 404", rr.Code)
	}
}

func TestResultConflictWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	})
	handler, orch := newTestServer(t, detector)

	id := submitJob(t, handler, nil, map[string][]byte{"slow.jpg": jpegBytes(t, 60, 60)})
	<-started

	rr := doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("result status = %d, want 409 (body %s)", rr.Code, rr.Body.String())
	}

	close(release)
	waitForJob(t, orch, id)

	rr = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("result status = %d, want 200", rr.Code)
	}
}

func TestCancelViaAPI(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	})
	handler, orch := newTestServer(t, detector)

	id := submitJob(t, handler, nil, map[string][]byte{
		"one.jpg": jpegBytes(t, 60, 60),
		"two.jpg": jpegBytes(t, 60, 60),
	})
	<-started

	rr := doRequest(handler, httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/cancel", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rr.Code, rr.Body.String())
	}
	var rec types.JobRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decoding cancel response: %v", err)
	}
	if !rec.Cancelled {
		t.Errorf("Cancelled flag not set in response")
	}

	close(release)
	waitForJob(t, orch, id)

	rr = doRequest(handler, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if !rec.Status.Terminal() {
		t.Errorf("Status = %s, want terminal", rec.Status)
	}
}

func TestHealthz(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return nil, nil
	})
	handler, _ := newTestServer(t, detector)

	rr := doRequest(handler, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rr.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	detector := inference.Func(func(ctx context.Context, tile []byte) ([]types.Detection, error) {
		return nil, nil
	})
	handler, _ := newTestServer(t, detector)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	rr := doRequest(handler, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
