package debrisscan

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/debris-scan/pkg/inference"
	"github.com/menta2k/debris-scan/pkg/orchestrator"
	"github.com/menta2k/debris-scan/pkg/types"
)

// createTestImage creates a simple gradient test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 120, 255})
		}
	}
	return img
}

// writeTestImage saves a JPEG into dir and returns its path
func writeTestImage(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", name, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		f.Close()
		t.Fatalf("encoding %s: %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing %s: %v", name, err)
	}
	return path
}

// newTestService builds a Service with a stubbed detector
func newTestService(t *testing.T, detect inference.Func) (*Service, string) {
	t.Helper()
	resultsDir := t.TempDir()
	svc, err := New(Options{
		Detector:   detect,
		ResultsDir: resultsDir,
		Workers:    1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return svc, resultsDir
}

func oneDetection(ctx context.Context, tile []byte) ([]types.Detection, error) {
	return []types.Detection{{
		Box:   types.Box{X0: 8, Y0: 6, X1: 24, Y1: 18},
		Class: "plastic",
		Score: 0.9,
	}}, nil
}

func TestNewRequiresDetectorOrEndpoint(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected an error without Endpoint or Detector")
	}

	svc, err := New(Options{
		Endpoint:   "http://localhost:8501/v1/detect",
		ResultsDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New with endpoint failed: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestScanImage(t *testing.T) {
	svc, resultsDir := newTestService(t, oneDetection)
	path := writeTestImage(t, t.TempDir(), "survey.jpg", createTestImage(60, 50))

	rec, err := svc.ScanImage(context.Background(), path, ScanOptions{})
	if err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}
	if rec.Status != types.JobCompleted {
		t.Fatalf("expected completed job, got %s", rec.Status)
	}
	if len(rec.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(rec.Images))
	}
	if rec.Images[0].Detections != 1 {
		t.Errorf("expected 1 detection, got %d", rec.Images[0].Detections)
	}
	// The default 30% threshold is recorded as a fraction.
	if rec.Config.ConfidenceThreshold != 0.3 {
		t.Errorf("expected threshold 0.3, got %v", rec.Config.ConfidenceThreshold)
	}

	bundle, err := svc.Result(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if _, err := os.Stat(bundle); err != nil {
		t.Errorf("bundle missing: %v", err)
	}
	if want := filepath.Join(resultsDir, rec.ID); filepath.Dir(bundle) != want {
		t.Errorf("bundle %s not under job dir %s", bundle, want)
	}
}

func TestScanDirectory(t *testing.T) {
	svc, _ := newTestService(t, oneDetection)

	dir := t.TempDir()
	writeTestImage(t, dir, "a.jpg", createTestImage(60, 50))
	writeTestImage(t, dir, "b.jpg", createTestImage(60, 50))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644); err != nil {
		t.Fatalf("writing notes.txt: %v", err)
	}

	rec, err := svc.ScanDirectory(context.Background(), dir, ScanOptions{ConfidencePercent: 50})
	if err != nil {
		t.Fatalf("ScanDirectory failed: %v", err)
	}
	if rec.Status != types.JobCompleted {
		t.Fatalf("expected completed job, got %s", rec.Status)
	}
	if len(rec.Images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(rec.Images))
	}
	if rec.Config.ConfidenceThreshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", rec.Config.ConfidenceThreshold)
	}
	names := []string{rec.Images[0].Name, rec.Images[1].Name}
	if names[0] != "a.jpg" || names[1] != "b.jpg" {
		t.Errorf("unexpected image names %v", names)
	}
}

func TestScanResampleUnknownPlatform(t *testing.T) {
	svc, _ := newTestService(t, oneDetection)
	path := writeTestImage(t, t.TempDir(), "survey.jpg", createTestImage(60, 50))

	_, err := svc.ScanImage(context.Background(), path, ScanOptions{
		Resample:   true,
		Platform:   "no-such-drone",
		FlightAGLM: 40,
	})
	if err == nil {
		t.Fatal("expected an error for an unknown platform")
	}
}

func TestSubmitAndWait(t *testing.T) {
	svc, _ := newTestService(t, oneDetection)
	path := writeTestImage(t, t.TempDir(), "survey.jpg", createTestImage(60, 50))

	rec, err := svc.Submit(context.Background(), orchestrator.Submission{
		Images: []types.SourceImage{{Name: "survey.jpg", Path: path}},
		Config: types.JobConfig{ConfidenceThreshold: 0.3},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final, err := svc.Wait(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !final.Status.Terminal() {
		t.Errorf("expected a terminal status, got %s", final.Status)
	}

	jobs, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != rec.ID {
		t.Errorf("unexpected job listing %v", jobs)
	}
}

func TestSensorsRegistryExposed(t *testing.T) {
	svc, _ := newTestService(t, oneDetection)
	if svc.Sensors() == nil {
		t.Fatal("Sensors() returned nil")
	}
	if len(svc.Sensors().Names()) == 0 {
		t.Error("expected built-in platforms in the registry")
	}
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("Version should not be empty")
	}
	if version != Version {
		t.Errorf("GetVersion() returned %s, expected %s", version, Version)
	}
}
