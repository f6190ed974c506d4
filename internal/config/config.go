package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// API contains control API configuration.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Bus contains event bus transport configuration.
type Bus struct {
	Driver string `toml:"driver"`
	URL    string `toml:"url"`
	Stream string `toml:"stream"`
}

// Workflow contains orchestrator timing and intervals.
type Workflow struct {
	DispatchInterval   int `toml:"dispatch_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	LeaseTTL           int `toml:"lease_ttl"`
	SweepInterval      int `toml:"sweep_interval"`
	RetentionDays      int `toml:"retention_days"`
	MaxDispatchBatch   int `toml:"max_dispatch_batch"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Stage declares one pipeline stage worker. Order of declaration is
// pipeline order. Idempotent defaults to true when omitted; declaring it
// false is a validation error because redelivery and recovery re-invoke
// workers.
type Stage struct {
	Name           string `toml:"name"`
	Endpoint       string `toml:"endpoint"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxRetries     int    `toml:"max_retries"`
	BackoffBaseMS  int    `toml:"backoff_base_ms"`
	BackoffCapMS   int    `toml:"backoff_cap_ms"`
	Idempotent     *bool  `toml:"idempotent"`
}

// Config is the root configuration document.
type Config struct {
	Paths    Paths    `toml:"paths"`
	API      API      `toml:"api"`
	Bus      Bus      `toml:"bus"`
	Workflow Workflow `toml:"workflow"`
	Logging  Logging  `toml:"logging"`
	Stages   []Stage  `toml:"stages"`
}

// DefaultConfigPath returns the expected config file location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "conveyor", "config.toml"), nil
}

// Load reads the configuration from path, falling back to the default
// location and then to built-in defaults when no file exists. The resolved
// path is returned alongside the config; it is empty when defaults were used.
func Load(path string) (*Config, string, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, "", err
		}
		resolved = defaultPath
	}
	resolved = ExpandPath(resolved)

	cfg := Default()
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, resolved, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		resolved = ""
	default:
		return nil, resolved, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, resolved, err
	}
	return &cfg, resolved, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded := ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the configured data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("CONVEYOR_NATS_URL")); v != "" {
		c.Bus.URL = v
		if strings.TrimSpace(c.Bus.Driver) == "" {
			c.Bus.Driver = "nats"
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONVEYOR_API_BIND")); v != "" {
		c.API.Bind = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVEYOR_API_TOKEN")); v != "" {
		c.API.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVEYOR_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) normalize() {
	c.Paths.DataDir = ExpandPath(c.Paths.DataDir)
	c.Paths.LogDir = ExpandPath(c.Paths.LogDir)
	c.Bus.Driver = strings.ToLower(strings.TrimSpace(c.Bus.Driver))
	for i := range c.Stages {
		c.Stages[i].Name = strings.ToLower(strings.TrimSpace(c.Stages[i].Name))
		if c.Stages[i].TimeoutSeconds == 0 {
			c.Stages[i].TimeoutSeconds = defaultStageTimeoutSeconds
		}
		if c.Stages[i].BackoffBaseMS == 0 {
			c.Stages[i].BackoffBaseMS = defaultBackoffBaseMS
		}
		if c.Stages[i].BackoffCapMS == 0 {
			c.Stages[i].BackoffCapMS = defaultBackoffCapMS
		}
		if c.Stages[i].Idempotent == nil {
			idempotent := true
			c.Stages[i].Idempotent = &idempotent
		}
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return trimmed
		}
		if trimmed == "~" {
			return home
		}
		return filepath.Join(home, trimmed[2:])
	}
	return trimmed
}
