package client_test

import (
	"context"
	"testing"

	"conveyor/internal/bus"
	"conveyor/internal/client"
	"conveyor/internal/daemon"
	"conveyor/internal/testsupport"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, store, bus.NewMemory(nil), nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return "http://" + d.APIAddr()
}

func TestClientRoundTrip(t *testing.T) {
	base := startDaemon(t)
	c := client.NewForAddress(base, "")
	ctx := context.Background()

	req, err := c.Submit(ctx, "payload://client")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req.ID == "" || req.Stage != "intake" {
		t.Fatalf("unexpected submit response: %#v", req)
	}

	detail, err := c.Describe(ctx, req.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if detail.Request.ID != req.ID {
		t.Fatalf("unexpected detail: %#v", detail.Request)
	}

	stages, err := c.Stages(ctx)
	if err != nil {
		t.Fatalf("Stages failed: %v", err)
	}
	if len(stages) != 9 {
		t.Fatalf("expected 9 stages, got %d", len(stages))
	}

	aborted, err := c.Abort(ctx, req.ID)
	if err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if !aborted.Aborted {
		t.Fatal("expected abort to apply")
	}

	listed, err := c.List(ctx, "aborted")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 aborted request, got %d", len(listed))
	}

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Total != 1 {
		t.Fatalf("unexpected health: %#v", health)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	base := startDaemon(t)
	c := client.NewForAddress(base, "")

	if _, err := c.Describe(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown request")
	}
}
