package ledger

import (
	"context"
	"fmt"
	"time"

	"conveyor/internal/services"
)

// AcquireForDispatch atomically acquires the dispatch lease and moves a
// pending request into running at the expected stage. It fails with
// services.ErrStaleTransition when another instance got there first or the
// request moved on; callers re-read and skip.
func (s *Store) AcquireForDispatch(ctx context.Context, id, stage, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET state = ?, lease_holder = ?, lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND stage = ? AND state = ?
           AND (lease_holder IS NULL OR lease_expires_at < ?)`,
		StateRunning,
		holder,
		now.Add(ttl).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
		stage,
		StatePending,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("acquire dispatch lease: %w", err)
	}
	return requireTransition(res.RowsAffected())
}

// RenewLease extends the lease held by holder. Returns
// services.ErrLeaseExpired when the holder no longer owns the lease.
func (s *Store) RenewLease(ctx context.Context, id, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests SET lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND state = ? AND lease_holder = ? AND lease_expires_at >= ?`,
		now.Add(ttl).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
		StateRunning,
		holder,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrLeaseExpired, "", "renew", fmt.Sprintf("request %s holder %s", id, holder), nil)
	}
	return nil
}

// AdvanceStage moves a running request into pending at the next stage with
// the attempt counter reset, releasing the lease. Conditional on the request
// still running at fromStage.
func (s *Store) AdvanceStage(ctx context.Context, id, fromStage, toStage string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET stage = ?, state = ?, attempt = 0, error_message = NULL,
             next_attempt_at = NULL, lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND stage = ? AND state = ?`,
		toStage,
		StatePending,
		now,
		id,
		fromStage,
		StateRunning,
	)
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	return requireTransition(res.RowsAffected())
}

// Complete marks a running request at the final stage as completed.
func (s *Store) Complete(ctx context.Context, id, finalStage string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET state = ?, error_message = NULL, next_attempt_at = NULL,
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND stage = ? AND state = ?`,
		StateCompleted,
		now,
		id,
		finalStage,
		StateRunning,
	)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return requireTransition(res.RowsAffected())
}

// RetryStage re-enters pending at the same stage with the attempt counter
// incremented and a backoff deadline. The CAS covers stage, state, and the
// prior attempt so a duplicate failure event cannot double-increment.
func (s *Store) RetryStage(ctx context.Context, id, stage string, fromAttempt int, nextAttemptAt time.Time, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET state = ?, attempt = ?, error_message = ?, next_attempt_at = ?,
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND stage = ? AND state = ? AND attempt = ?`,
		StatePending,
		fromAttempt+1,
		nullableString(errMsg),
		nextAttemptAt.UTC().Format(time.RFC3339Nano),
		now,
		id,
		stage,
		StateRunning,
		fromAttempt,
	)
	if err != nil {
		return fmt.Errorf("retry stage: %w", err)
	}
	return requireTransition(res.RowsAffected())
}

// Fail marks a running request as failed with the accumulated error.
func (s *Store) Fail(ctx context.Context, id, stage, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET state = ?, error_message = ?, next_attempt_at = NULL,
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND stage = ? AND state = ?`,
		StateFailed,
		nullableString(errMsg),
		now,
		id,
		stage,
		StateRunning,
	)
	if err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return requireTransition(res.RowsAffected())
}

// Abort marks a request aborted regardless of its stage or in-flight work.
// Terminal requests are left untouched; the bool reports whether a
// transition happened. In-flight workers are not killed; their late
// terminal events are ignored because the request is no longer running.
func (s *Store) Abort(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET state = ?, next_attempt_at = NULL,
             lease_holder = NULL, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND state NOT IN (?, ?, ?)`,
		StateAborted,
		now,
		id,
		StateCompleted,
		StateFailed,
		StateAborted,
	)
	if err != nil {
		return false, fmt.Errorf("abort request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish "already terminal" from "no such request".
		if _, err := s.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ExpiredRunning returns running requests whose lease expired before cutoff.
// These are the requests a crashed or stalled instance left behind; the
// recovery sweep treats them as timed out.
func (s *Store) ExpiredRunning(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+requestColumns+` FROM requests
         WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
         ORDER BY created_at`,
		StateRunning,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func requireTransition(affected int64, err error) error {
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.ErrStaleTransition
	}
	return nil
}
