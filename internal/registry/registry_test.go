package registry_test

import (
	"errors"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/registry"
	"conveyor/internal/services"
	"conveyor/internal/testsupport"
)

func TestFromConfigPreservesPipelineOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	names := reg.Names()
	if len(names) != len(config.PipelineOrder) {
		t.Fatalf("expected %d stages, got %d", len(config.PipelineOrder), len(names))
	}
	for i, name := range names {
		if name != config.PipelineOrder[i] {
			t.Fatalf("position %d: expected %s, got %s", i, config.PipelineOrder[i], name)
		}
	}
	if reg.First() != "intake" || reg.Last() != "registrar" {
		t.Fatalf("unexpected pipeline endpoints: %s..%s", reg.First(), reg.Last())
	}
}

func TestFromConfigRejectsDuplicateStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Stages = append(cfg.Stages, cfg.Stages[0])

	_, err := registry.FromConfig(cfg)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestFromConfigRejectsBadEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Stages[2].Endpoint = "not a url"

	_, err := registry.FromConfig(cfg)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNextWalksThePipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	current := reg.First()
	visited := []string{current}
	for {
		next, ok := reg.Next(current)
		if !ok {
			break
		}
		visited = append(visited, next)
		current = next
	}
	if len(visited) != len(config.PipelineOrder) {
		t.Fatalf("walk visited %d stages, expected %d", len(visited), len(config.PipelineOrder))
	}
	if current != reg.Last() {
		t.Fatalf("walk ended at %s, expected %s", current, reg.Last())
	}
	if _, ok := reg.Next(reg.Last()); ok {
		t.Fatal("expected no stage after the final one")
	}
}

func TestResolveUnknownStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	if _, err := reg.Resolve("mystery"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePreservesPosition(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	original, err := reg.Resolve("safety")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	updated := original
	updated.Endpoint = "http://10.0.0.9:9000/process"
	updated.MaxRetries = 5
	updated.Position = 0
	if err := reg.Update(updated); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	resolved, err := reg.Resolve("safety")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Endpoint != "http://10.0.0.9:9000/process" || resolved.MaxRetries != 5 {
		t.Fatalf("update not applied: %#v", resolved)
	}
	if resolved.Position != original.Position {
		t.Fatalf("expected position %d preserved, got %d", original.Position, resolved.Position)
	}

}

func TestUpdateAppendsUnknownStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	var registered []registry.Descriptor
	reg.Watch(func(desc registry.Descriptor) {
		registered = append(registered, desc)
	})

	lastBefore := reg.Last()
	added := registry.Descriptor{
		Name:        "publisher",
		Endpoint:    "http://127.0.0.1:9100/process",
		Timeout:     30 * time.Second,
		MaxRetries:  2,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
		Idempotent:  true,
	}
	if err := reg.Update(added); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if reg.Last() != "publisher" {
		t.Fatalf("expected publisher as final stage, got %s", reg.Last())
	}
	next, ok := reg.Next(lastBefore)
	if !ok || next != "publisher" {
		t.Fatalf("expected %s to precede publisher, got %q (ok=%v)", lastBefore, next, ok)
	}
	resolved, err := reg.Resolve("publisher")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Position != len(config.PipelineOrder) {
		t.Fatalf("expected position %d, got %d", len(config.PipelineOrder), resolved.Position)
	}
	if len(registered) != 1 || registered[0].Name != "publisher" {
		t.Fatalf("expected one watch notification for publisher, got %#v", registered)
	}

	// Updating the appended stage again must not notify a second time.
	added.MaxRetries = 4
	if err := reg.Update(added); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if len(registered) != 1 {
		t.Fatalf("expected no extra notifications, got %d", len(registered))
	}
}

func TestUpdateRejectsInvalidDescriptor(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	bad := registry.Descriptor{Name: "publisher", Endpoint: "not a url", Timeout: time.Second, BackoffBase: time.Millisecond, BackoffCap: time.Second, Idempotent: true}
	if err := reg.Update(bad); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := reg.Resolve("publisher"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("rejected stage must not be registered, got %v", err)
	}
}

func TestRejectsNonIdempotentStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	notIdempotent := false
	cfg.Stages[1].Idempotent = &notIdempotent
	if _, err := registry.FromConfig(cfg); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for non-idempotent stage, got %v", err)
	}

	cfg.Stages[1].Idempotent = nil
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	desc, err := reg.Resolve(cfg.Stages[1].Name)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !desc.Idempotent {
		t.Fatal("expected omitted idempotent flag to default to true")
	}

	desc.Idempotent = false
	if err := reg.Update(desc); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for non-idempotent update, got %v", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	desc := registry.Descriptor{
		Name:        "classifier",
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
	}

	for attempt := 0; attempt < 10; attempt++ {
		delay := desc.BackoffDelay(attempt)
		if delay < 0 || delay > desc.BackoffCap {
			t.Fatalf("attempt %d: delay %s outside [0, %s]", attempt, delay, desc.BackoffCap)
		}
	}

	// Far past the cap, the delay floor is half the cap.
	late := desc.BackoffDelay(20)
	if late < desc.BackoffCap/2 {
		t.Fatalf("expected capped delay of at least %s, got %s", desc.BackoffCap/2, late)
	}
}
