package testsupport

import (
	"path/filepath"
	"testing"

	"conveyor/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// The bus runs on the in-memory driver so tests never need a broker.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.API.Bind = "127.0.0.1:0"
	cfg.Bus.Driver = "memory"
	cfg.Workflow.DispatchInterval = 1
	cfg.Workflow.SweepInterval = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithStageRetries sets max_retries on every configured stage.
func WithStageRetries(retries int) ConfigOption {
	return func(cfg *config.Config) {
		for i := range cfg.Stages {
			cfg.Stages[i].MaxRetries = retries
		}
	}
}

// WithStageEndpoint points the named stage at an alternate worker endpoint.
func WithStageEndpoint(name, endpoint string) ConfigOption {
	return func(cfg *config.Config) {
		for i := range cfg.Stages {
			if cfg.Stages[i].Name == name {
				cfg.Stages[i].Endpoint = endpoint
			}
		}
	}
}
