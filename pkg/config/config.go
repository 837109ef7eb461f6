// Package config provides configuration loading and management for mrimicrofit.
// Values are layered from defaults, an optional YAML file and MRIMICROFIT_
// environment variables.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"mrimicrofit/pkg/logger"
)

const (
	// EnvPrefix prefixes every environment override, e.g. MRIMICROFIT_ENGINE__COMMAND
	EnvPrefix = "MRIMICROFIT_"
	// EnvConfigFile names the YAML file used when no path is passed to Load
	EnvConfigFile = "MRIMICROFIT_CONFIG"
)

// Config represents the application configuration
type Config struct {
	// LogLevel is one of debug, info, warn, error
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// LogFormat is text or json
	LogFormat string `koanf:"log_format" yaml:"log_format"`

	// Engine locates the external model fitting engine
	Engine struct {
		// Command is the engine executable
		Command string `koanf:"command" yaml:"command"`

		// Args are passed before the verb on every invocation
		Args []string `koanf:"args" yaml:"args,omitempty"`

		// WorkDir holds job scratch directories; empty uses the system temp dir
		WorkDir string `koanf:"work_dir" yaml:"work_dir"`

		// KeepWorkDir leaves job files behind for inspection
		KeepWorkDir bool `koanf:"keep_work_dir" yaml:"keep_work_dir"`
	} `koanf:"engine" yaml:"engine"`

	// Metrics controls the Prometheus textfile export
	Metrics struct {
		// Textfile is written after each run when set
		Textfile string `koanf:"textfile" yaml:"textfile"`

		// Namespace prefixes every metric name
		Namespace string `koanf:"namespace" yaml:"namespace"`
	} `koanf:"metrics" yaml:"metrics"`

	// Mirror uploads written maps to an S3 compatible store
	Mirror struct {
		Enabled   bool   `koanf:"enabled" yaml:"enabled"`
		Endpoint  string `koanf:"endpoint" yaml:"endpoint"`
		AccessKey string `koanf:"access_key" yaml:"access_key"`
		SecretKey string `koanf:"secret_key" yaml:"secret_key"`
		Region    string `koanf:"region" yaml:"region"`
		UseSSL    bool   `koanf:"use_ssl" yaml:"use_ssl"`
		Bucket    string `koanf:"bucket" yaml:"bucket"`
		Prefix    string `koanf:"prefix" yaml:"prefix"`
	} `koanf:"mirror" yaml:"mirror"`

	// QC controls quick-look previews
	QC struct {
		// Enabled writes mid-slice PNGs next to every written map
		Enabled bool `koanf:"enabled" yaml:"enabled"`
		// Cores is the number of goroutines rendering previews; 0 uses every CPU
		Cores int `koanf:"cores" yaml:"cores"`
	} `koanf:"qc" yaml:"qc"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:  "info",
		LogFormat: "text",
	}

	cfg.Engine.Command = "mrimicrofit-engine"

	cfg.Metrics.Namespace = "mrimicrofit"

	cfg.Mirror.Region = "us-east-1"
	cfg.Mirror.Bucket = "mrimicrofit"

	return cfg
}

// Load builds a Config by layering defaults, an optional file and env vars.
// Order of precedence (low -> high):
//  1. defaults (DefaultConfig)
//  2. YAML file at path, or at $MRIMICROFIT_CONFIG when path is empty
//  3. env (prefix MRIMICROFIT_, "__" separates nested keys)
func Load(ctx context.Context, path string) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	// MRIMICROFIT_ENGINE__KEEP_WORK_DIR -> engine.keep_work_dir
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		if s == strings.TrimPrefix(EnvConfigFile, EnvPrefix) {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrLoadConfig, err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields a run depends on.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	}
	if strings.TrimSpace(c.Engine.Command) == "" {
		return fmt.Errorf("%w: engine.command must not be empty", ErrInvalidConfig)
	}
	if c.QC.Cores < 0 {
		return fmt.Errorf("%w: qc.cores must not be negative, got %d", ErrInvalidConfig, c.QC.Cores)
	}
	if c.Mirror.Enabled {
		if strings.TrimSpace(c.Mirror.Endpoint) == "" {
			return fmt.Errorf("%w: mirror.endpoint is required when the mirror is enabled", ErrInvalidConfig)
		}
		if strings.TrimSpace(c.Mirror.Bucket) == "" {
			return fmt.Errorf("%w: mirror.bucket is required when the mirror is enabled", ErrInvalidConfig)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
