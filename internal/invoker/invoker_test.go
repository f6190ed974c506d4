package invoker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/invoker"
	"conveyor/internal/registry"
	"conveyor/internal/testsupport"
)

type fixture struct {
	bus     *bus.MemoryBus
	invoker *invoker.Invoker
	results <-chan bus.Event
}

func newFixture(t *testing.T, stage string, workerURL string, timeoutSeconds int) *fixture {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithStageEndpoint(stage, workerURL))
	for i := range cfg.Stages {
		cfg.Stages[i].TimeoutSeconds = timeoutSeconds
	}
	store := testsupport.MustOpenStore(t, cfg)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("registry.FromConfig: %v", err)
	}

	b := bus.NewMemory(nil)
	t.Cleanup(func() { b.Close() })

	results := make(chan bus.Event, 16)
	if _, err := b.Subscribe(bus.ResultSubject(stage), "test", func(_ context.Context, evt bus.Event) error {
		results <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe results: %v", err)
	}

	inv := invoker.New(store, reg, b, nil)
	if err := inv.Start(); err != nil {
		t.Fatalf("invoker.Start: %v", err)
	}
	t.Cleanup(inv.Stop)

	return &fixture{bus: b, invoker: inv, results: results}
}

func dispatch(t *testing.T, f *fixture, stage, requestID string, attempt int) {
	t.Helper()
	evt := bus.Event{
		RequestID:  requestID,
		Stage:      stage,
		Attempt:    attempt,
		Type:       bus.EventDispatched,
		PayloadRef: "payload://test",
		Timestamp:  time.Now().UTC(),
	}
	if err := f.bus.Publish(context.Background(), bus.DispatchSubject(stage), evt); err != nil {
		t.Fatalf("publish dispatch: %v", err)
	}
}

func awaitResult(t *testing.T, f *fixture) bus.Event {
	t.Helper()
	select {
	case evt := <-f.results:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result event")
		return bus.Event{}
	}
}

func TestInvokeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode worker request: %v", err)
		}
		if req["request_id"] != "req-ok" {
			t.Errorf("unexpected request id %v", req["request_id"])
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "output_ref": "output://done"})
	}))
	defer server.Close()

	f := newFixture(t, "intake", server.URL, 5)
	dispatch(t, f, "intake", "req-ok", 0)

	result := awaitResult(t, f)
	if result.Type != bus.EventSucceeded {
		t.Fatalf("expected succeeded event, got %s (%s)", result.Type, result.Error)
	}
	if result.OutputRef != "output://done" {
		t.Fatalf("expected output ref propagated, got %q", result.OutputRef)
	}
	if result.Attempt != 0 {
		t.Fatalf("expected attempt 0, got %d", result.Attempt)
	}
}

func TestInvokeServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newFixture(t, "classifier", server.URL, 5)
	dispatch(t, f, "classifier", "req-5xx", 0)

	result := awaitResult(t, f)
	if result.Type != bus.EventFailed {
		t.Fatalf("expected failed event, got %s", result.Type)
	}
	if result.Permanent {
		t.Fatal("5xx must classify as transient")
	}
}

func TestInvokePermanentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "failure", "error": "schema rejected", "permanent": true})
	}))
	defer server.Close()

	f := newFixture(t, "safety", server.URL, 5)
	dispatch(t, f, "safety", "req-perm", 0)

	result := awaitResult(t, f)
	if result.Type != bus.EventFailed || !result.Permanent {
		t.Fatalf("expected permanent failure, got %#v", result)
	}
	if result.Error != "schema rejected" {
		t.Fatalf("expected worker error propagated, got %q", result.Error)
	}
}

func TestInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	f := newFixture(t, "runner", server.URL, 1)
	dispatch(t, f, "runner", "req-slow", 0)

	result := awaitResult(t, f)
	if result.Type != bus.EventTimedOut {
		t.Fatalf("expected timed_out event, got %s (%s)", result.Type, result.Error)
	}
}

func TestInvokeUnreachableWorker(t *testing.T) {
	f := newFixture(t, "embeddings", "http://127.0.0.1:1/process", 2)
	dispatch(t, f, "embeddings", "req-down", 0)

	result := awaitResult(t, f)
	if result.Type != bus.EventFailed || result.Permanent {
		t.Fatalf("expected transient failure for unreachable worker, got %#v", result)
	}
}

func TestRedeliveredDispatchEmitsOneTerminalEvent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "output_ref": "output://once"})
	}))
	defer server.Close()

	f := newFixture(t, "integrator", server.URL, 5)
	dispatch(t, f, "integrator", "req-dup", 0)
	dispatch(t, f, "integrator", "req-dup", 0)

	first := awaitResult(t, f)
	if first.Type != bus.EventSucceeded {
		t.Fatalf("expected succeeded event, got %s", first.Type)
	}

	select {
	case evt := <-f.results:
		t.Fatalf("duplicate terminal event for attempt: %#v", evt)
	case <-time.After(300 * time.Millisecond):
	}
	if calls.Load() != 2 {
		t.Fatalf("expected worker re-invoked on redelivery, got %d calls", calls.Load())
	}
}
