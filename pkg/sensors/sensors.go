// Package sensors resolves named camera platforms into the optics
// values needed for ground sampling distance estimation, so callers can
// submit "DJI Phantom 4 Pro" instead of raw focal length and sensor
// dimensions.
package sensors

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/debris-scan/pkg/types"
)

// Platform holds the optics of one supported sensor platform.
type Platform struct {
	FocalLengthMM  float64 `yaml:"focal_length_mm" json:"focal_length_mm"`
	SensorWidthCM  float64 `yaml:"sensor_width_cm" json:"sensor_width_cm"`
	SensorHeightCM float64 `yaml:"sensor_height_cm" json:"sensor_height_cm"`
}

// Valid reports whether all optics values are usable.
func (p Platform) Valid() bool {
	return p.FocalLengthMM > 0 && p.SensorWidthCM > 0 && p.SensorHeightCM > 0
}

// builtin covers the platforms commonly flown for shoreline surveys.
var builtin = map[string]Platform{
	"DJI Phantom 4 Pro": {FocalLengthMM: 8.8, SensorWidthCM: 1.32, SensorHeightCM: 0.88},
	"DJI Mavic 2 Pro":   {FocalLengthMM: 10.26, SensorWidthCM: 1.32, SensorHeightCM: 0.88},
	"DJI Mavic 3":       {FocalLengthMM: 12.29, SensorWidthCM: 1.76, SensorHeightCM: 1.32},
	"DJI Mini 2":        {FocalLengthMM: 4.49, SensorWidthCM: 0.616, SensorHeightCM: 0.455},
	"Zenmuse X5S":       {FocalLengthMM: 15, SensorWidthCM: 1.73, SensorHeightCM: 1.30},
}

// Registry maps platform names to their optics.
type Registry struct {
	platforms map[string]Platform
}

// Default returns a registry with only the built-in platforms
func Default() *Registry {
	r := &Registry{platforms: make(map[string]Platform, len(builtin))}
	for name, p := range builtin {
		r.platforms[name] = p
	}
	return r
}

// registryFile is the YAML layout of a platform catalogue.
type registryFile struct {
	Platforms map[string]Platform `yaml:"platforms"`
}

// Load reads a YAML platform catalogue and merges it over the built-in
// platforms; file entries win on name collisions
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read sensor registry")
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse sensor registry")
	}

	r := Default()
	for name, p := range file.Platforms {
		if !p.Valid() {
			return nil, errors.Errorf("platform %q has non-positive optics values", name)
		}
		r.platforms[name] = p
	}
	return r, nil
}

// Lookup returns the optics for a platform name.
func (r *Registry) Lookup(name string) (Platform, bool) {
	p, ok := r.platforms[name]
	return p, ok
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds sensor metadata for a platform flown at the given
// altitude above ground level.
func (r *Registry) Resolve(name string, flightAGLM float64) (*types.SensorMeta, error) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, errors.Errorf("unknown sensor platform %q", name)
	}
	if flightAGLM <= 0 {
		return nil, errors.Errorf("flight altitude must be positive, got %v", flightAGLM)
	}
	return &types.SensorMeta{
		FocalLengthMM:  p.FocalLengthMM,
		SensorWidthCM:  p.SensorWidthCM,
		SensorHeightCM: p.SensorHeightCM,
		FlightAGLM:     flightAGLM,
	}, nil
}
