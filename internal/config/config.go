package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the application configuration
type Config struct {
	Tiling TilingConfig `json:"tiling"`
	Input  InputConfig  `json:"input"`
	Output OutputConfig `json:"output"`
	Run    RunConfig    `json:"run"`
	Log    LogConfig    `json:"log"`
}

// TilingConfig holds the patch layout settings
type TilingConfig struct {
	PatchSize int `json:"patch_size"`
	// Detach copies every patch into its own buffer before encoding.
	Detach bool `json:"detach"`
}

// InputConfig points at the source dataset
type InputConfig struct {
	AnnotationDir string `json:"annotation_dir"`
	ImageDir      string `json:"image_dir"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Dir            string `json:"dir"`
	PNGCompression int    `json:"png_compression"`
	Manifest       bool   `json:"manifest"`
	Debug          bool   `json:"debug"`
	DebugFormat    string `json:"debug_format"`
	DebugQuality   int    `json:"debug_quality"`
	DebugLossless  bool   `json:"debug_lossless"`
}

// RunConfig controls batch execution
type RunConfig struct {
	Workers     int  `json:"workers"`
	StopOnError bool `json:"stop_on_error"`
}

// LogConfig controls log output
type LogConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Tiling: TilingConfig{
			PatchSize: 640,
		},
		Input: InputConfig{
			AnnotationDir: "./annotations",
			ImageDir:      "./images",
		},
		Output: OutputConfig{
			Dir:            "./patches",
			PNGCompression: 0,
			Manifest:       false,
			DebugFormat:    "png",
			DebugQuality:   92,
		},
		Run: RunConfig{
			Workers:     1,
			StopOnError: false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from
// the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
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
	if c.Tiling.PatchSize < 1 {
		return fmt.Errorf("tiling.patch_size must be positive")
	}

	if c.Input.AnnotationDir == "" {
		return fmt.Errorf("input.annotation_dir cannot be empty")
	}

	if c.Input.ImageDir == "" {
		return fmt.Errorf("input.image_dir cannot be empty")
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir cannot be empty")
	}

	// png.CompressionLevel: 0 default, -1 none, -2 best speed, -3 best compression
	if c.Output.PNGCompression < -3 || c.Output.PNGCompression > 0 {
		return fmt.Errorf("output.png_compression must be between -3 and 0")
	}

	switch strings.ToLower(c.Output.DebugFormat) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.debug_format must be png, jpg or webp")
	}

	if c.Output.DebugQuality < 1 || c.Output.DebugQuality > 100 {
		return fmt.Errorf("output.debug_quality must be between 1 and 100")
	}

	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be at least 1")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "patch-tiler", "config.json")
}
