// Package config provides configuration loading for groupcast.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectConfigFile is the config file name searched for in the working
// directory and its parents.
const ProjectConfigFile = "groupcast.yaml"

// Config is the complete groupcast configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Specs    SpecsConfig    `yaml:"specs"`
	Router   RouterConfig   `yaml:"router"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// SpecsConfig locates the CUE entity specs.
type SpecsConfig struct {
	Dir string `yaml:"dir"`
}

// RouterConfig configures notification routing.
type RouterConfig struct {
	// Owner is the subscription owner notifications are published under.
	Owner string `yaml:"owner"`
	// ForeignKeyGroups adds a single-property group per foreign key.
	ForeignKeyGroups bool `yaml:"foreign_key_groups"`
	// Method is the client method name carried by pushed messages.
	Method string `yaml:"method"`
}

// NATSConfig configures the NATS broadcaster.
type NATSConfig struct {
	// URL is the NATS server URL (empty = NATS disabled unless Embedded).
	URL string `yaml:"url"`
	// Embedded makes watch host an in-process server on the default port;
	// apply dials that server's local URL.
	Embedded bool `yaml:"embedded"`
	// SubjectPrefix is prepended to group identifiers.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Enabled reports whether a NATS broadcaster should be started.
func (n NATSConfig) Enabled() bool {
	return n.URL != "" || n.Embedded
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "groupcast.db"},
		Specs:    SpecsConfig{Dir: "specs"},
		Router: RouterConfig{
			Owner:  "default",
			Method: "entityUpdated",
		},
		NATS: NATSConfig{
			SubjectPrefix: "groupcast.groups",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Specs.Dir == "" {
		errs = append(errs, errors.New("specs.dir is required"))
	}
	if c.Router.Owner == "" {
		errs = append(errs, errors.New("router.owner is required"))
	}
	if c.Router.Method == "" {
		errs = append(errs, errors.New("router.method is required"))
	}
	if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("nats.subject_prefix %q is not a valid subject", c.NATS.SubjectPrefix))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
// Unknown keys are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges other into c. Non-zero values in other take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}
	if other.Specs.Dir != "" {
		c.Specs.Dir = other.Specs.Dir
	}

	if other.Router.Owner != "" {
		c.Router.Owner = other.Router.Owner
	}
	if other.Router.ForeignKeyGroups {
		c.Router.ForeignKeyGroups = true
	}
	if other.Router.Method != "" {
		c.Router.Method = other.Router.Method
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	} else if other.NATS.Embedded {
		c.NATS.Embedded = true
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds a logger writing to w in the configured format.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
}
