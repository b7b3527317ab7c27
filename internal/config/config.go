package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Inference InferenceConfig `json:"inference"`
	Storage   StorageConfig   `json:"storage"`
}

// ServerConfig holds configuration for the HTTP API
type ServerConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// PipelineConfig holds configuration for the geoprocessing pipeline
type PipelineConfig struct {
	Workers                  int     `json:"workers"`
	TileFanout               int     `json:"tile_fanout"`
	TileSize                 int     `json:"tile_size"`
	TileOverlap              int     `json:"tile_overlap"`
	TargetGSDCM              float64 `json:"target_gsd_cm"`
	DefaultConfidencePercent float64 `json:"default_confidence_percent"`
}

// InferenceConfig holds configuration for the detector endpoint
type InferenceConfig struct {
	URL            string `json:"url"`
	MaxAttempts    int    `json:"max_attempts"`
	BackoffMS      int    `json:"backoff_ms"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	TileFormat     string `json:"tile_format"`
}

// StorageConfig holds configuration for result persistence and job state
type StorageConfig struct {
	ResultsDir    string `json:"results_dir"`
	JPEGQuality   int    `json:"jpeg_quality"`
	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`
	SensorFile    string `json:"sensor_file"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Pipeline: PipelineConfig{
			Workers:                  4,
			TileFanout:               4,
			TileSize:                 512,
			TileOverlap:              64,
			TargetGSDCM:              2.0,
			DefaultConfidencePercent: 30,
		},
		Inference: InferenceConfig{
			URL:            "http://localhost:8501/v1/detect",
			MaxAttempts:    3,
			BackoffMS:      500,
			TimeoutSeconds: 30,
			TileFormat:     "jpg",
		},
		Storage: StorageConfig{
			ResultsDir:    "./results",
			JPEGQuality:   90,
			MongoURI:      "",
			MongoDatabase: "debrisscan",
			SensorFile:    "",
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be positive")
	}

	if c.Pipeline.TileFanout < 1 {
		return fmt.Errorf("pipeline.tile_fanout must be positive")
	}

	if c.Pipeline.TileSize < 1 {
		return fmt.Errorf("pipeline.tile_size must be positive")
	}

	if c.Pipeline.TileOverlap < 0 {
		return fmt.Errorf("pipeline.tile_overlap must be non-negative")
	}

	if c.Pipeline.TileSize <= c.Pipeline.TileOverlap {
		return fmt.Errorf("pipeline.tile_size must exceed pipeline.tile_overlap")
	}

	if c.Pipeline.TargetGSDCM <= 0 {
		return fmt.Errorf("pipeline.target_gsd_cm must be positive")
	}

	if c.Pipeline.DefaultConfidencePercent < 0 || c.Pipeline.DefaultConfidencePercent > 100 {
		return fmt.Errorf("pipeline.default_confidence_percent must be between 0 and 100")
	}

	if c.Inference.URL == "" {
		return fmt.Errorf("inference.url cannot be empty")
	}

	if c.Inference.MaxAttempts < 1 {
		return fmt.Errorf("inference.max_attempts must be positive")
	}

	if c.Inference.BackoffMS < 0 {
		return fmt.Errorf("inference.backoff_ms must be non-negative")
	}

	if c.Inference.TimeoutSeconds < 1 {
		return fmt.Errorf("inference.timeout_seconds must be positive")
	}

	if c.Inference.TileFormat != "jpg" && c.Inference.TileFormat != "png" {
		return fmt.Errorf("inference.tile_format must be jpg or png")
	}

	if c.Storage.ResultsDir == "" {
		return fmt.Errorf("storage.results_dir cannot be empty")
	}

	if c.Storage.JPEGQuality < 1 || c.Storage.JPEGQuality > 100 {
		return fmt.Errorf("storage.jpeg_quality must be between 1 and 100")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "debris-scan", "config.json")
}
