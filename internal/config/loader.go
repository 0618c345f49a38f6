package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Loader resolves the effective configuration.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader. A nil logger uses slog.Default.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load returns the defaults merged with the config file at path. With an
// empty path, ProjectConfigFile is searched for from dir upward and the
// defaults are used when none is found. The result is validated.
func (l *Loader) Load(path, dir string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = FindProjectConfig(dir)
	}
	if path == "" {
		l.logger.Debug("no config file found, using defaults")
	} else {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("loaded config", "path", path)
		config = fileConfig
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// FindProjectConfig returns the path of the nearest ProjectConfigFile at or
// above dir, or "".
func FindProjectConfig(dir string) string {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
