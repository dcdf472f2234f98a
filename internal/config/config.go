// Package config loads ztorch settings from YAML with environment overrides.
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/ztorch/pkg/registry"
	"gopkg.in/yaml.v3"
)

// Config holds all ztorch settings. Command-line flags override it.
type Config struct {
	// Naming is the layer naming mode: "unique", "short" or "keep". Any
	// other value means "unique".
	Naming string `yaml:"naming"`
	// Seed seeds the naming randomness; 0 draws a random seed.
	Seed uint64 `yaml:"seed"`
	// Producer overrides the producer name written to ZMF metadata.
	Producer string `yaml:"producer"`

	Log      LogConfig      `yaml:"log"`
	Download DownloadConfig `yaml:"download"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // empty logs to stderr
}

// DownloadConfig configures HuggingFace downloads.
type DownloadConfig struct {
	Concurrency int    `yaml:"concurrency"`
	APIKey      string `yaml:"api_key"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Naming: "unique",
		Log: LogConfig{
			Level: "info",
		},
		Download: DownloadConfig{
			Concurrency: 4,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "failed to read config")
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "failed to parse config")
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if naming := os.Getenv("ZTORCH_NAMING"); naming != "" {
		c.Naming = naming
	}
	if key := os.Getenv("HF_API_KEY"); key != "" {
		c.Download.APIKey = key
	}
}

// Validate checks field values.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("invalid log level %q", c.Log.Level)
	}
	if c.Download.Concurrency < 0 {
		return errors.Newf("download concurrency must not be negative, got %d", c.Download.Concurrency)
	}
	return nil
}

// NamingMode returns the configured naming mode.
func (c *Config) NamingMode() registry.NamingMode {
	return registry.ParseNamingMode(c.Naming)
}
