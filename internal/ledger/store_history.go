package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendHistory records one stage attempt outcome. History is append-only;
// rows are never updated or reordered.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO request_history (request_id, stage, attempt, outcome, detail, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RequestID,
		entry.Stage,
		entry.Attempt,
		entry.Outcome,
		nullableString(entry.Detail),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns the append-only attempt records for a request in insertion
// order.
func (s *Store) History(ctx context.Context, requestID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, request_id, stage, attempt, outcome, detail, created_at
         FROM request_history WHERE request_id = ? ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			entry      HistoryEntry
			detail     sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.Stage, &entry.Attempt, &entry.Outcome, &detail, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.Detail = detail.String
		if t, err := parseTimeString(createdRaw); err == nil {
			entry.CreatedAt = t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ResolveAttempt records that a terminal event was emitted for the given
// attempt. The first caller wins; replays and recovery re-invocations get
// false and must not emit a duplicate terminal event.
func (s *Store) ResolveAttempt(ctx context.Context, requestID, stage string, attempt int, eventType string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO attempt_results (request_id, stage, attempt, event_type, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		requestID,
		stage,
		attempt,
		eventType,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("resolve attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MergeOutput stores one output reference per completed stage. Keyed by
// (request_id, stage) with insert-or-ignore, so replayed success events are
// no-ops.
func (s *Store) MergeOutput(ctx context.Context, requestID, stage, outputRef string) error {
	_, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO request_outputs (request_id, stage, output_ref, created_at)
         VALUES (?, ?, ?, ?)`,
		requestID,
		stage,
		outputRef,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("merge output: %w", err)
	}
	return nil
}

// Outputs returns the accumulated stage outputs for a request in merge order.
func (s *Store) Outputs(ctx context.Context, requestID string) ([]Output, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT request_id, stage, output_ref, created_at
         FROM request_outputs WHERE request_id = ? ORDER BY created_at, stage`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	var outputs []Output
	for rows.Next() {
		var (
			out        Output
			createdRaw string
		)
		if err := rows.Scan(&out.RequestID, &out.Stage, &out.OutputRef, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan output row: %w", err)
		}
		if t, err := parseTimeString(createdRaw); err == nil {
			out.CreatedAt = t
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}
