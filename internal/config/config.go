package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/czernalex/dirsyncd/internal/fingerprint"
)

// Duration wraps time.Duration for YAML decoding of values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config represents the complete dirsyncd configuration
type Config struct {
	Paths PathsConfig `yaml:"paths"`
	Sync  SyncConfig  `yaml:"sync"`
	Log   LogConfig   `yaml:"log"`
	Serve ServeConfig `yaml:"serve"`
}

// PathsConfig configures the mirrored directory trees and the log file
type PathsConfig struct {
	Source  string `yaml:"source"`
	Replica string `yaml:"replica"`
	LogFile string `yaml:"log_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Interval Duration `yaml:"interval"`
	Hash     string   `yaml:"hash"`
}

// LogConfig configures log rendering. Color is explicit configuration here;
// the sync engine itself never inspects the environment.
type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	NoColor bool   `yaml:"no_color"`
	Silent  bool   `yaml:"silent"`
}

// ServeConfig configures the admin HTTP server
type ServeConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ListenAddr        string `yaml:"listen_addr"`
	TriggerSecretFile string `yaml:"trigger_secret_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.Source = os.ExpandEnv(c.Paths.Source)
	c.Paths.Replica = os.ExpandEnv(c.Paths.Replica)
	c.Paths.LogFile = os.ExpandEnv(c.Paths.LogFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.TriggerSecretFile = os.ExpandEnv(c.Serve.TriggerSecretFile)
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Sync.Interval == 0 {
		c.Sync.Interval = Duration(30 * time.Second)
	}
	if c.Sync.Hash == "" {
		c.Sync.Hash = string(fingerprint.SHA1)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.Source == "" {
		return fmt.Errorf("paths.source is required")
	}
	if c.Paths.Replica == "" {
		return fmt.Errorf("paths.replica is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.Source) {
		return fmt.Errorf("paths.source must be an absolute path: %s", c.Paths.Source)
	}
	if !filepath.IsAbs(c.Paths.Replica) {
		return fmt.Errorf("paths.replica must be an absolute path: %s", c.Paths.Replica)
	}

	// Source and replica must never coincide; refusing here guarantees the
	// sync engine is never invoked with coincident trees.
	if filepath.Clean(c.Paths.Source) == filepath.Clean(c.Paths.Replica) {
		return fmt.Errorf("paths.source and paths.replica must differ: %s", c.Paths.Source)
	}

	// Validate sync settings
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive: %s", time.Duration(c.Sync.Interval))
	}
	if _, err := fingerprint.New(fingerprint.Algorithm(c.Sync.Hash)); err != nil {
		return fmt.Errorf("invalid sync.hash: %w", err)
	}

	// Validate log settings
	switch c.Log.Format {
	case "console", "json":
		// valid
	default:
		return fmt.Errorf("invalid log.format: %s (must be console or json)", c.Log.Format)
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
	}

	return nil
}

// SyncInterval returns the configured pause between passes.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.Interval)
}

// HashAlgorithm returns the configured fingerprint algorithm.
func (c *Config) HashAlgorithm() fingerprint.Algorithm {
	return fingerprint.Algorithm(c.Sync.Hash)
}
