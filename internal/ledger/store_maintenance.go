package ledger

import (
	"context"
	"fmt"
	"time"
)

// Stats returns a count of requests grouped by state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM requests GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// Health aggregates request counts for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for state, count := range stats {
		health.Total += count
		switch state {
		case StatePending:
			health.Pending += count
		case StateRunning:
			health.Running += count
		case StateCompleted:
			health.Completed += count
		case StateFailed:
			health.Failed += count
		case StateAborted:
			health.Aborted += count
		}
	}
	return health, nil
}

// PruneTerminal removes terminal requests last updated before cutoff along
// with their history, outputs, and attempt records. Event retention on the
// bus is governed separately by the bus itself.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)
	for _, table := range []string{"request_history", "request_outputs", "attempt_results"} {
		query := `DELETE FROM ` + table + ` WHERE request_id IN (
            SELECT id FROM requests WHERE state IN (?, ?, ?) AND updated_at < ?)`
		if _, err := s.execWithRetry(ctx, query, StateCompleted, StateFailed, StateAborted, cutoffStr); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM requests WHERE state IN (?, ?, ?) AND updated_at < ?`,
		StateCompleted,
		StateFailed,
		StateAborted,
		cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	return res.RowsAffected()
}
