package daemon_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/ledger"
	"conveyor/internal/testsupport"
)

func startWorker(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StageConfig struct {
				Name string `json:"name"`
			} `json:"stage_config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "success",
			"output_ref": "output://" + req.StageConfig.Name,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	store := testsupport.MustOpenStore(t, cfg)
	b := bus.NewMemory(nil)
	d, err := daemon.New(cfg, store, b, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d
}

func TestDaemonProcessesSubmission(t *testing.T) {
	worker := startWorker(t)
	cfg := testsupport.NewConfig(t)
	for i := range cfg.Stages {
		cfg.Stages[i].Endpoint = worker.URL
		cfg.Stages[i].TimeoutSeconds = 2
	}

	d := newDaemon(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	defer d.Stop()

	req, err := d.Service().Submit(ctx, "payload://daemon")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		detail, err := d.Service().Describe(ctx, req.ID)
		if err != nil {
			t.Fatalf("Describe failed: %v", err)
		}
		if detail.Request.State == string(ledger.StateCompleted) {
			if len(detail.Outputs) != len(config.PipelineOrder) {
				t.Fatalf("expected %d outputs, got %d", len(config.PipelineOrder), len(detail.Outputs))
			}
			return
		}
		if detail.Request.State == string(ledger.StateFailed) {
			t.Fatalf("request failed: %s", detail.Request.ErrorMessage)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("request never completed")
}

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer first.Stop()

	second := newDaemon(t, cfg)
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("expected second daemon start to fail while lock held")
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release failed: %v", err)
	}
	second.Stop()
}

func TestDaemonStartStopIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected error starting a running daemon")
	}
	d.Stop()
	d.Stop()
}
