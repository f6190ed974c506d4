package api_test

import (
	"context"
	"errors"
	"testing"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/ledger"
	"conveyor/internal/registry"
	"conveyor/internal/services"
	"conveyor/internal/testsupport"
)

func newService(t *testing.T) (*api.PipelineService, *ledger.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("registry.FromConfig: %v", err)
	}
	return api.NewPipelineService(store, reg, nil), store
}

func TestSubmitEntersPipelineAtFirstStage(t *testing.T) {
	svc, _ := newService(t)

	req, err := svc.Submit(context.Background(), "payload://submit")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req.Stage != config.PipelineOrder[0] || req.State != string(ledger.StatePending) {
		t.Fatalf("unexpected submitted request: %#v", req)
	}
	if req.ID == "" || req.CreatedAt == "" {
		t.Fatalf("expected populated view, got %#v", req)
	}
}

func TestSubmitRejectsEmptyPayload(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Submit(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty payload ref")
	}
}

func TestDescribeIncludesHistoryAndOutputs(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "payload://detail")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := store.AppendHistory(ctx, ledger.HistoryEntry{
		RequestID: req.ID, Stage: "intake", Attempt: 0, Outcome: ledger.OutcomeSucceeded,
	}); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	if err := store.MergeOutput(ctx, req.ID, "intake", "output://intake"); err != nil {
		t.Fatalf("MergeOutput failed: %v", err)
	}

	detail, err := svc.Describe(ctx, req.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if len(detail.History) != 1 || detail.History[0].Outcome != "succeeded" {
		t.Fatalf("unexpected history: %#v", detail.History)
	}
	if len(detail.Outputs) != 1 || detail.Outputs[0].OutputRef != "output://intake" {
		t.Fatalf("unexpected outputs: %#v", detail.Outputs)
	}

	if _, err := svc.Describe(ctx, "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRejectsUnknownState(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.List(context.Background(), "bogus"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestAbortReportsChange(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "payload://abort")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	resp, err := svc.Abort(ctx, req.ID)
	if err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if !resp.Aborted {
		t.Fatal("expected abort to apply")
	}

	resp, err = svc.Abort(ctx, req.ID)
	if err != nil {
		t.Fatalf("second Abort failed: %v", err)
	}
	if resp.Aborted {
		t.Fatal("expected repeat abort to be a no-op")
	}

	history, err := store.History(ctx, req.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != ledger.OutcomeAborted {
		t.Fatalf("expected single abort history entry, got %#v", history)
	}
}

func TestStagesAndUpdate(t *testing.T) {
	svc, _ := newService(t)

	stages := svc.Stages()
	if len(stages) != len(config.PipelineOrder) {
		t.Fatalf("expected %d stages, got %d", len(config.PipelineOrder), len(stages))
	}

	if !stages[3].Idempotent {
		t.Fatal("expected stage views to carry the idempotent flag")
	}

	view := stages[3]
	view.MaxRetries = 7
	updated, err := svc.UpdateStage(view)
	if err != nil {
		t.Fatalf("UpdateStage failed: %v", err)
	}
	if updated.MaxRetries != 7 || updated.Position != stages[3].Position {
		t.Fatalf("unexpected updated stage: %#v", updated)
	}

	view.Name = "publisher"
	appended, err := svc.UpdateStage(view)
	if err != nil {
		t.Fatalf("UpdateStage with new name failed: %v", err)
	}
	if appended.Position != len(config.PipelineOrder) {
		t.Fatalf("expected new stage appended at %d, got %d", len(config.PipelineOrder), appended.Position)
	}
	if got := svc.Stages(); len(got) != len(config.PipelineOrder)+1 {
		t.Fatalf("expected %d stages after append, got %d", len(config.PipelineOrder)+1, len(got))
	}
}

func TestHealthSummarizesStates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, "payload://h1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	req, err := svc.Submit(ctx, "payload://h2")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := svc.Abort(ctx, req.ID); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	health, err := svc.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Total != 2 || health.Requests["pending"] != 1 || health.Requests["aborted"] != 1 {
		t.Fatalf("unexpected health: %#v", health)
	}
}
