package types

import "math"

// Box is an axis-aligned bounding box in pixel coordinates, with (X0,Y0)
// the top-left corner and (X1,Y1) the bottom-right corner.
type Box struct {
	X0 float64 `json:"x0" bson:"x0"`
	Y0 float64 `json:"y0" bson:"y0"`
	X1 float64 `json:"x1" bson:"x1"`
	Y1 float64 `json:"y1" bson:"y1"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 { return b.X1 - b.X0 }

// Height returns the vertical extent of the box.
func (b Box) Height() float64 { return b.Y1 - b.Y0 }

// Area returns the box area, or 0 for degenerate boxes.
func (b Box) Area() float64 {
	if b.Empty() {
		return 0
	}
	return b.Width() * b.Height()
}

// Empty reports whether the box encloses no pixels.
func (b Box) Empty() bool {
	return b.X1 <= b.X0 || b.Y1 <= b.Y0
}

// Translate returns the box shifted by (dx, dy).
func (b Box) Translate(dx, dy float64) Box {
	return Box{X0: b.X0 + dx, Y0: b.Y0 + dy, X1: b.X1 + dx, Y1: b.Y1 + dy}
}

// Scale returns the box with all coordinates multiplied by s.
func (b Box) Scale(s float64) Box {
	return Box{X0: b.X0 * s, Y0: b.Y0 * s, X1: b.X1 * s, Y1: b.Y1 * s}
}

// Valid reports whether the box has finite, ordered coordinates.
func (b Box) Valid() bool {
	for _, v := range []float64{b.X0, b.Y0, b.X1, b.Y1} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return !b.Empty()
}

// Detection is a single detected object. During inference the box is in
// tile-local pixels; after merging it is in native image pixels.
type Detection struct {
	Box     Box     `json:"box" bson:"box"`
	Class   string  `json:"class" bson:"class"`
	ClassID int     `json:"class_id" bson:"class_id"`
	Score   float64 `json:"score" bson:"score"`
}

// Tile is one fixed-size sub-region of a (possibly resampled) source image.
// Tiles are ephemeral: they exist only between tiling and merging.
type Tile struct {
	Index   int // position in the tiling sequence
	X       int // origin column in resampled-image pixels
	Y       int // origin row in resampled-image pixels
	W       int
	H       int
	Overlap int // minimum overlap the grid was built with
}

// SensorMeta carries the optics and flight parameters needed to estimate
// the ground sampling distance of a non-georeferenced aerial photograph.
type SensorMeta struct {
	FocalLengthMM  float64 `json:"focal_length_mm" bson:"focal_length_mm" yaml:"focal_length_mm"`
	SensorWidthCM  float64 `json:"sensor_width_cm" bson:"sensor_width_cm" yaml:"sensor_width_cm"`
	SensorHeightCM float64 `json:"sensor_height_cm" bson:"sensor_height_cm" yaml:"sensor_height_cm"`
	FlightAGLM     float64 `json:"flight_agl_m" bson:"flight_agl_m" yaml:"flight_agl_m"`
}

// SourceImage is one input to a job. Immutable after the job is created.
type SourceImage struct {
	Name   string      `json:"name" bson:"name"` // original filename
	Path   string      `json:"path" bson:"path"` // location on disk
	Sensor *SensorMeta `json:"sensor,omitempty" bson:"sensor,omitempty"`
}

// JobConfig holds the per-job processing parameters.
type JobConfig struct {
	// ConfidenceThreshold is in [0,1]; detections scoring below it are
	// dropped (inclusive keep at the threshold itself).
	ConfidenceThreshold float64 `json:"confidence_threshold" bson:"confidence_threshold"`
	// Resample requests rescaling toward the detector's target GSD for
	// images that carry sensor metadata.
	Resample bool `json:"resample" bson:"resample"`
	// SensorPlatform is the registry name the sensor metadata was resolved
	// from, kept for the job manifest. May be empty.
	SensorPlatform string `json:"sensor_platform,omitempty" bson:"sensor_platform,omitempty"`
}
