package testsupport

import (
	"context"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/ledger"
)

// MustOpenStore opens a ledger.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewRequest creates a pending request at the pipeline entry stage.
func NewRequest(t testing.TB, store *ledger.Store, payloadRef string) *ledger.Request {
	t.Helper()

	req, err := store.Create(context.Background(), payloadRef, config.PipelineOrder[0])
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return req
}
