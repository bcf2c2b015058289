// Package config provides configuration loading and management for ctviewer.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ctviewer/pkg/window"
)

// Export formats understood by the visualization package
var ExportFormats = []string{"png", "jpeg", "bmp", "tiff"}

// Config represents the application configuration
type Config struct {
	// Window is the intensity interval mapped onto display gray levels
	Window window.Window `yaml:"window" toml:"window"`

	// Rendering parameters
	Render struct {
		// NumCores specifies how many CPU cores to use for windowing
		NumCores int `yaml:"numCores" toml:"numCores"`

		// Strict makes contract violations return errors instead of
		// dropping the current frame
		Strict bool `yaml:"strict" toml:"strict"`

		// CacheEntries bounds the number of windowed scans kept in memory
		CacheEntries int `yaml:"cacheEntries" toml:"cacheEntries"`
	} `yaml:"render" toml:"render"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level" toml:"level"`

		// Encoding is console or json
		Encoding string `yaml:"encoding" toml:"encoding"`

		// File, when set, receives logs through a rotating writer
		File string `yaml:"file" toml:"file"`

		// MaxSize is the rotation size in megabytes
		MaxSize int `yaml:"maxSize" toml:"maxSize"`

		// MaxAge is the number of days to retain rotated files
		MaxAge int `yaml:"maxAge" toml:"maxAge"`
	} `yaml:"logging" toml:"logging"`

	// Export parameters
	Export struct {
		// Format is the image format for saved slices
		Format string `yaml:"format" toml:"format"`

		// Scale is the integer nearest-neighbour upscale factor
		Scale int `yaml:"scale" toml:"scale"`

		// Quality applies to JPEG output
		Quality int `yaml:"quality" toml:"quality"`
	} `yaml:"export" toml:"export"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Window = window.Default()

	// Set default rendering parameters
	cfg.Render.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Render.Strict = false
	cfg.Render.CacheEntries = 4

	// Set default logging parameters
	cfg.Logging.Level = "info"
	cfg.Logging.Encoding = "console"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 28

	// Set default export parameters
	cfg.Export.Format = "png"
	cfg.Export.Scale = 1
	cfg.Export.Quality = 90

	return cfg
}

// Validate checks the configuration for values the viewer cannot use
func (c *Config) Validate() error {
	var errs []error
	if err := c.Window.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Render.NumCores <= 0 {
		errs = append(errs, fmt.Errorf("render.numCores must be positive, got %d", c.Render.NumCores))
	}
	if c.Render.CacheEntries <= 0 {
		errs = append(errs, fmt.Errorf("render.cacheEntries must be positive, got %d", c.Render.CacheEntries))
	}
	if c.Export.Scale <= 0 {
		errs = append(errs, fmt.Errorf("export.scale must be positive, got %d", c.Export.Scale))
	}
	if c.Export.Quality < 1 || c.Export.Quality > 100 {
		errs = append(errs, fmt.Errorf("export.quality must be in [1, 100], got %d", c.Export.Quality))
	}
	if !knownFormat(c.Export.Format) {
		errs = append(errs, fmt.Errorf("unknown export.format %q (must be one of %s)", c.Export.Format, strings.Join(ExportFormats, ", ")))
	}
	switch c.Logging.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.encoding %q", c.Logging.Encoding))
	}
	return errors.Join(errs...)
}

func knownFormat(f string) bool {
	for _, k := range ExportFormats {
		if f == k {
			return true
		}
	}
	return false
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by the
// file extension. If the file doesn't exist, it returns the default
// configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse on top of the defaults
	if isTOML(configPath) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config
	var data []byte
	var err error
	if isTOML(configPath) {
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
