package resample

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/menta2k/debris-scan/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	return img
}

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("New() returned nil")
	}
	if r.TargetGSD != DefaultTargetGSD {
		t.Errorf("Expected target GSD %v, got %v", DefaultTargetGSD, r.TargetGSD)
	}
}

func TestNewWithTarget(t *testing.T) {
	r, err := NewWithTarget(4.0)
	if err != nil {
		t.Fatalf("NewWithTarget failed: %v", err)
	}
	if r.TargetGSD != 4.0 {
		t.Errorf("Expected target GSD 4.0, got %v", r.TargetGSD)
	}

	if _, err := NewWithTarget(0); err == nil {
		t.Error("Expected error for zero target GSD")
	}
	if _, err := NewWithTarget(-1); err == nil {
		t.Error("Expected error for negative target GSD")
	}
}

func TestScaleFor(t *testing.T) {
	r := New() // target 2.0 cm/px

	tests := []struct {
		name      string
		nativeGSD float64
		want      float64
		wantErr   bool
	}{
		{"coarser than target upsamples", 4.0, 2.0, false},
		{"finer than target downsamples", 1.0, 0.5, false},
		{"already at target", 2.0, 1.0, false},
		{"zero GSD", 0, 0, true},
		{"negative GSD", -2.5, 0, true},
		{"NaN GSD", math.NaN(), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ScaleFor(tt.nativeGSD)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ScaleFor(%v) error = %v, wantErr %v", tt.nativeGSD, err, tt.wantErr)
			}
			if tt.wantErr {
				if !types.IsGeometryError(err) {
					t.Errorf("expected a geometry error, got %v", err)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ScaleFor(%v) = %v, want %v", tt.nativeGSD, got, tt.want)
			}
		})
	}
}

func TestResampleDimensions(t *testing.T) {
	r := New()
	img := createTestImage(100, 80)

	// Native 4.0 cm/px against target 2.0 doubles both axes.
	out, scale, err := r.Resample(img, 4.0)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if scale != 2.0 {
		t.Errorf("scale = %v, want 2.0", scale)
	}
	bounds := out.Bounds()
	if bounds.Dx() != 200 || bounds.Dy() != 160 {
		t.Errorf("resampled size %dx%d, want 200x160", bounds.Dx(), bounds.Dy())
	}

	// Aspect ratio preserved.
	inRatio := float64(100) / float64(80)
	outRatio := float64(bounds.Dx()) / float64(bounds.Dy())
	if math.Abs(inRatio-outRatio) > 0.01 {
		t.Errorf("aspect ratio changed: %v -> %v", inRatio, outRatio)
	}
}

func TestResampleIdentity(t *testing.T) {
	r := New()
	img := createTestImage(64, 64)

	// Native GSD already at target: image passes through untouched.
	out, scale, err := r.Resample(img, 2.0)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if scale != 1.0 {
		t.Errorf("scale = %v, want 1.0", scale)
	}
	if out != img {
		t.Error("identity resample should return the input image")
	}
}

func TestResampleRejectsBadGSD(t *testing.T) {
	r := New()
	img := createTestImage(10, 10)

	if _, _, err := r.Resample(img, 0); err == nil {
		t.Error("Expected error for zero native GSD")
	}
	if _, _, err := r.Resample(img, -3); err == nil {
		t.Error("Expected error for negative native GSD")
	}
}

func BenchmarkResample(b *testing.B) {
	r := New()
	img := createTestImage(1024, 768)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := r.Resample(img, 3.0); err != nil {
			b.Fatal(err)
		}
	}
}
