// Package registry holds the ordered set of stage descriptors the
// orchestrator dispatches against. Runtime updates may tune a stage's
// endpoint and retry policy or append a new stage after the current final
// one; existing stages never reorder.
package registry

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

// Descriptor describes one pipeline stage worker. Idempotent must be true:
// redelivery and lease recovery re-invoke workers, so a stage that cannot
// tolerate repeat invocations has no place in the pipeline.
type Descriptor struct {
	Name        string
	Position    int
	Endpoint    string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Idempotent  bool
}

// BackoffDelay computes the retry delay before the given attempt using
// exponential growth with equal jitter. attempt is zero-based; the first
// retry waits around BackoffBase.
func (d Descriptor) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := d.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= d.BackoffCap || delay <= 0 {
			delay = d.BackoffCap
			break
		}
	}
	if delay > d.BackoffCap {
		delay = d.BackoffCap
	}
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Registry is the concurrency-safe stage lookup table.
type Registry struct {
	mu       sync.RWMutex
	stages   map[string]Descriptor
	order    []string
	watchers []func(Descriptor)
}

// FromConfig builds a registry from the configured stage list. Stage order in
// the config is pipeline order. Invalid declarations are fatal at startup.
func FromConfig(cfg *config.Config) (*Registry, error) {
	if len(cfg.Stages) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "", "registry", "no stages configured", nil)
	}
	reg := &Registry{
		stages: make(map[string]Descriptor, len(cfg.Stages)),
		order:  make([]string, 0, len(cfg.Stages)),
	}
	for i, stage := range cfg.Stages {
		desc := Descriptor{
			Name:        strings.ToLower(strings.TrimSpace(stage.Name)),
			Position:    i,
			Endpoint:    strings.TrimSpace(stage.Endpoint),
			Timeout:     time.Duration(stage.TimeoutSeconds) * time.Second,
			MaxRetries:  stage.MaxRetries,
			BackoffBase: time.Duration(stage.BackoffBaseMS) * time.Millisecond,
			BackoffCap:  time.Duration(stage.BackoffCapMS) * time.Millisecond,
			Idempotent:  stage.Idempotent == nil || *stage.Idempotent,
		}
		if err := validateDescriptor(desc); err != nil {
			return nil, err
		}
		if _, exists := reg.stages[desc.Name]; exists {
			return nil, services.Wrap(services.ErrConfiguration, desc.Name, "registry", "duplicate stage name", nil)
		}
		reg.stages[desc.Name] = desc
		reg.order = append(reg.order, desc.Name)
	}
	return reg, nil
}

// Resolve returns the descriptor for name. Unknown stages return
// services.ErrNotFound; a request pointing at an unknown stage cannot be
// dispatched.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.stages[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Descriptor{}, services.Wrap(services.ErrNotFound, name, "resolve", "unknown stage", nil)
	}
	return desc, nil
}

// Next returns the stage following name in pipeline order. The second return
// is false when name is the final stage.
func (r *Registry) Next(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.stages[strings.ToLower(strings.TrimSpace(name))]
	if !ok || desc.Position+1 >= len(r.order) {
		return "", false
	}
	return r.order[desc.Position+1], true
}

// First returns the pipeline entry stage.
func (r *Registry) First() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order[0]
}

// Last returns the final pipeline stage.
func (r *Registry) Last() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order[len(r.order)-1]
}

// Names returns the stage names in pipeline order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Descriptors returns all descriptors in pipeline order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		descs = append(descs, r.stages[name])
	}
	return descs
}

// Watch registers fn to run whenever a new stage is appended. Watchers let
// the dispatch and result consumers follow registry growth without restart.
func (r *Registry) Watch(fn func(Descriptor)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Update tunes an existing stage's endpoint and retry policy, or registers a
// new stage appended after the current final one. Existing stages keep their
// pipeline position; reordering requires a restart.
func (r *Registry) Update(desc Descriptor) error {
	name := strings.ToLower(strings.TrimSpace(desc.Name))
	desc.Name = name

	r.mu.Lock()
	current, exists := r.stages[name]
	if exists {
		desc.Position = current.Position
	} else {
		desc.Position = len(r.order)
	}
	if err := validateDescriptor(desc); err != nil {
		r.mu.Unlock()
		return err
	}
	r.stages[name] = desc
	if !exists {
		r.order = append(r.order, name)
	}
	watchers := r.watchers
	r.mu.Unlock()

	if !exists {
		for _, fn := range watchers {
			fn(desc)
		}
	}
	return nil
}

func validateDescriptor(desc Descriptor) error {
	if desc.Name == "" {
		return services.Wrap(services.ErrConfiguration, "", "registry", "stage name is required", nil)
	}
	parsed, err := url.Parse(desc.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return services.Wrap(services.ErrConfiguration, desc.Name, "registry", fmt.Sprintf("invalid endpoint %q", desc.Endpoint), nil)
	}
	if desc.Timeout <= 0 {
		return services.Wrap(services.ErrConfiguration, desc.Name, "registry", "timeout must be positive", nil)
	}
	if desc.MaxRetries < 0 {
		return services.Wrap(services.ErrConfiguration, desc.Name, "registry", "max retries cannot be negative", nil)
	}
	if desc.BackoffBase <= 0 || desc.BackoffCap < desc.BackoffBase {
		return services.Wrap(services.ErrConfiguration, desc.Name, "registry", "backoff base must be positive and not exceed cap", nil)
	}
	if !desc.Idempotent {
		return services.Wrap(services.ErrConfiguration, desc.Name, "registry", "stage workers must be idempotent", nil)
	}
	return nil
}
