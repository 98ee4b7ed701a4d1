// Package config loads and validates the microfview run configuration from
// YAML or JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/strawlab/microfview/errors"
)

// Config is the complete run configuration for the demo binary.
type Config struct {
	Source  SourceConfig  `json:"source"  yaml:"source"`
	Engine  EngineConfig  `json:"engine"  yaml:"engine"`
	Sinks   SinksConfig   `json:"sinks"   yaml:"sinks"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// SourceConfig configures the synthetic frame source.
type SourceConfig struct {
	Width  int     `json:"width"  yaml:"width"`
	Height int     `json:"height" yaml:"height"`
	FPS    float64 `json:"fps"    yaml:"fps"`
	Color  bool    `json:"color"  yaml:"color"`
	Limit  int64   `json:"limit"  yaml:"limit"`
}

// EngineConfig configures the tick loop.
type EngineConfig struct {
	// StopAfter bounds the run to this many frames. Zero means unbounded.
	StopAfter int64 `json:"stop_after" yaml:"stop_after"`

	// ProfilerHistory is the rolling timing-window capacity per name.
	ProfilerHistory int `json:"profiler_history" yaml:"profiler_history"`
}

// SinksConfig configures the result sinks.
type SinksConfig struct {
	File FileSinkConfig `json:"file" yaml:"file"`
	NATS NATSSinkConfig `json:"nats" yaml:"nats"`
}

// FileSinkConfig configures the JSON Lines file sink.
type FileSinkConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path"    yaml:"path"`
	Append  bool   `json:"append"  yaml:"append"`
}

// NATSSinkConfig configures the NATS publishing sink.
type NATSSinkConfig struct {
	Enabled       bool   `json:"enabled"        yaml:"enabled"`
	URL           string `json:"url"            yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level"  yaml:"level"`  // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port"    yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Width:  640,
			Height: 480,
			FPS:    25,
			Color:  true,
		},
		Engine: EngineConfig{
			ProfilerHistory: 64,
		},
		Sinks: SinksConfig{
			File: FileSinkConfig{
				Enabled: true,
				Path:    "microfview.jsonl",
			},
			NATS: NATSSinkConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "microfview",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9100,
		},
	}
}

// Load reads a configuration file, layered over Default. The format is
// picked by file extension: .yaml/.yml or .json.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read config file")
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse yaml")
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse json")
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported config extension %q", errors.ErrInvalidConfig, filepath.Ext(path)),
			"config", "Load", "detect format")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Source.Width < 1 || c.Source.Height < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"source dimensions must be positive")
	}
	if c.Source.FPS < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"source fps cannot be negative")
	}
	if c.Source.Limit < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"source limit cannot be negative")
	}

	if c.Engine.StopAfter < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"engine stop_after cannot be negative")
	}
	if c.Engine.ProfilerHistory < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"engine profiler_history cannot be negative")
	}

	if c.Sinks.File.Enabled && c.Sinks.File.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"file sink requires a path")
	}
	if c.Sinks.NATS.Enabled {
		if c.Sinks.NATS.URL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"nats sink requires a url")
		}
		if c.Sinks.NATS.SubjectPrefix == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
				"nats sink requires a subject prefix")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"logging level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"logging format must be one of: json, text")
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"metrics port out of range")
	}

	return nil
}
