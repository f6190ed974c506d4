package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable. Validation failures are
// configuration errors and abort startup.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Driver {
	case "memory":
		return nil
	case "nats":
		if strings.TrimSpace(c.Bus.URL) == "" {
			return errors.New("bus.url must be set when bus.driver is nats")
		}
		if strings.TrimSpace(c.Bus.Stream) == "" {
			return errors.New("bus.stream must be set when bus.driver is nats")
		}
		return nil
	default:
		return fmt.Errorf("bus.driver must be one of memory, nats (got %q)", c.Bus.Driver)
	}
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.dispatch_interval":    c.Workflow.DispatchInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.lease_ttl":            c.Workflow.LeaseTTL,
		"workflow.sweep_interval":       c.Workflow.SweepInterval,
		"workflow.max_dispatch_batch":   c.Workflow.MaxDispatchBatch,
	}); err != nil {
		return err
	}
	if c.Workflow.RetentionDays < 0 {
		return errors.New("workflow.retention_days must not be negative (0 disables pruning)")
	}
	return nil
}

func (c *Config) validateStages() error {
	if len(c.Stages) == 0 {
		return errors.New("at least one [[stages]] entry must be declared")
	}
	seen := make(map[string]struct{}, len(c.Stages))
	for i, stage := range c.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stages[%d].name must be set", i)
		}
		if _, dup := seen[stage.Name]; dup {
			return fmt.Errorf("stage %q declared more than once", stage.Name)
		}
		seen[stage.Name] = struct{}{}
		if strings.TrimSpace(stage.Endpoint) == "" {
			return fmt.Errorf("stage %q endpoint must be set", stage.Name)
		}
		parsed, err := url.Parse(stage.Endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("stage %q endpoint %q is not a valid URL", stage.Name, stage.Endpoint)
		}
		if stage.TimeoutSeconds <= 0 {
			return fmt.Errorf("stage %q timeout_seconds must be positive", stage.Name)
		}
		if stage.MaxRetries < 0 {
			return fmt.Errorf("stage %q max_retries must not be negative", stage.Name)
		}
		if stage.BackoffBaseMS <= 0 || stage.BackoffCapMS < stage.BackoffBaseMS {
			return fmt.Errorf("stage %q backoff must satisfy 0 < base <= cap", stage.Name)
		}
		if stage.Idempotent != nil && !*stage.Idempotent {
			return fmt.Errorf("stage %q declares idempotent = false; conveyor requires idempotent stage workers", stage.Name)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
