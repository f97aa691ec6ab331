package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is looked up in the working directory and its
	// parents.
	ProjectConfigFile = "stagecache.yaml"
	// UserConfigPath is relative to the user's home directory.
	UserConfigPath = ".config/stagecache/config.yaml"
)

// Loader assembles the effective configuration from layered sources:
// built-in defaults, then the user config, then the project config. Later
// layers win field-by-field via Merge.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a loader. A nil logger falls back to slog.Default.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves and validates the effective configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.mergeFile(cfg, l.userConfigPath(), "user")
	l.mergeFile(cfg, l.findProjectConfig(), "project")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("effective config invalid: %w", err)
	}
	return cfg, nil
}

// mergeFile folds one optional config layer into cfg. A missing file is
// normal; an unreadable or malformed one is logged and skipped so a broken
// layer never blocks a run.
func (l *Loader) mergeFile(cfg *Config, path, layer string) {
	if path == "" {
		return
	}
	overlay, err := LoadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Skipping unreadable config layer",
				"layer", layer, "path", path, "error", err)
		}
		return
	}
	l.logger.Debug("Merged config layer", "layer", layer, "path", path)
	cfg.Merge(overlay)
}

// EnsureUserConfig writes the default user config if none exists yet.
// Existing files are left untouched.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine home directory")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Created default user config", "path", path)
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigPath)
}

// findProjectConfig walks from the working directory toward the filesystem
// root and returns the first project config file found, or "".
func (l *Loader) findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
