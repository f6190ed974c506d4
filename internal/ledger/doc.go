// Package ledger persists pipeline requests in SQLite and is the single
// source of truth for request state. Every mutation is conditional on the
// caller supplying the expected current stage and state (optimistic
// concurrency); a mismatch returns services.ErrStaleTransition and the
// caller re-reads and retries. This is what lets any number of orchestrator
// instances run concurrently without a singleton coordinator.
//
// The store also owns the lease columns (at most one active lease per
// request, by construction a pair of columns on the request row), the
// append-only stage history, per-stage output refs for the accumulator, and
// the attempt-result records the invoker uses to deduplicate terminal
// events after a crash.
//
// Schema changes add a numbered file under migrations/; applied versions are
// tracked in schema_migrations.
package ledger
