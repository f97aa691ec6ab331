// Package config provides configuration loading and management for the
// artifact cache and pipeline processor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stagecache configuration
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Events   EventsConfig   `yaml:"events"`
}

// CacheConfig configures the artifact store
type CacheConfig struct {
	// Dir is the root directory for cache entries
	Dir string `yaml:"dir"`
	// MaxBytes bounds the store size; 0 means unbounded
	MaxBytes int64 `yaml:"max_bytes"`
}

// PipelineConfig configures the incremental processor
type PipelineConfig struct {
	// CheckpointDir is the root directory for per-batch checkpoint logs
	CheckpointDir string `yaml:"checkpoint_dir"`
	// Concurrency is the worker pool size for pending jobs
	Concurrency int `yaml:"concurrency"`
	// JobTimeout bounds each compute invocation (0 = unbounded)
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// EventsConfig configures the processing event sink
type EventsConfig struct {
	// Path is the append-only event file (empty = no file sink)
	Path string `yaml:"path"`
	// NATSURL enables publishing events to NATS instead of a file
	NATSURL string `yaml:"nats_url"`
	// Subject is the NATS subject for published events
	Subject string `yaml:"subject"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:      ".stagecache/cache",
			MaxBytes: 0, // Unbounded
		},
		Pipeline: PipelineConfig{
			CheckpointDir: ".stagecache/checkpoints",
			Concurrency:   4,
			JobTimeout:    5 * time.Minute,
		},
		Events: EventsConfig{
			Subject: "pipeline.events",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must be >= 0")
	}
	if c.Pipeline.CheckpointDir == "" {
		return fmt.Errorf("pipeline.checkpoint_dir is required")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be >= 1")
	}
	if c.Pipeline.JobTimeout < 0 {
		return fmt.Errorf("pipeline.job_timeout must be >= 0")
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		return fmt.Errorf("events.subject is required when events.nats_url is set")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Cache
	if other.Cache.Dir != "" {
		c.Cache.Dir = other.Cache.Dir
	}
	if other.Cache.MaxBytes != 0 {
		c.Cache.MaxBytes = other.Cache.MaxBytes
	}

	// Pipeline
	if other.Pipeline.CheckpointDir != "" {
		c.Pipeline.CheckpointDir = other.Pipeline.CheckpointDir
	}
	if other.Pipeline.Concurrency != 0 {
		c.Pipeline.Concurrency = other.Pipeline.Concurrency
	}
	if other.Pipeline.JobTimeout != 0 {
		c.Pipeline.JobTimeout = other.Pipeline.JobTimeout
	}

	// Events
	if other.Events.Path != "" {
		c.Events.Path = other.Events.Path
	}
	if other.Events.NATSURL != "" {
		c.Events.NATSURL = other.Events.NATSURL
	}
	if other.Events.Subject != "" {
		c.Events.Subject = other.Events.Subject
	}
}
