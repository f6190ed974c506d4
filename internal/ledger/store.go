package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/services"
)

// Create inserts a new request at the given entry stage in pending state and
// returns it. The id is assigned here and is immutable for the lifetime of
// the request; re-processing updated input requires a new submission.
func (s *Store) Create(ctx context.Context, payloadRef, entryStage string) (*Request, error) {
	payloadRef = strings.TrimSpace(payloadRef)
	if payloadRef == "" {
		return nil, errors.New("payload ref is required")
	}
	if strings.TrimSpace(entryStage) == "" {
		return nil, errors.New("entry stage is required")
	}

	id := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO requests (id, payload_ref, stage, state, attempt, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id,
		payloadRef,
		entryStage,
		StatePending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a request by identifier. Returns services.ErrNotFound when
// no such request exists.
func (s *Store) GetByID(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "", "get", fmt.Sprintf("request %s", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// List returns requests filtered by state set (or all when none given),
// ordered by creation time.
func (s *Store) List(ctx context.Context, states ...State) ([]*Request, error) {
	baseQuery := `SELECT ` + requestColumns + ` FROM requests`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, len(states))
		for i, state := range states {
			args[i] = state
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
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

// ReadyForDispatch returns pending requests whose backoff deadline has
// passed and that carry no unexpired lease, oldest first.
func (s *Store) ReadyForDispatch(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 1
	}
	cutoff := now.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+requestColumns+` FROM requests
         WHERE state = ?
           AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
           AND (lease_holder IS NULL OR lease_expires_at < ?)
         ORDER BY created_at LIMIT ?`,
		StatePending,
		cutoff,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ready requests: %w", err)
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

const requestColumns = "id, payload_ref, stage, state, attempt, error_message, next_attempt_at, lease_holder, lease_expires_at, created_at, updated_at"

func scanRequest(scanner interface{ Scan(dest ...any) error }) (*Request, error) {
	var (
		id            string
		payloadRef    string
		stage         string
		stateStr      string
		attempt       int
		errorMessage  sql.NullString
		nextAttemptAt sql.NullString
		leaseHolder   sql.NullString
		leaseExpires  sql.NullString
		createdRaw    string
		updatedRaw    string
	)

	if err := scanner.Scan(
		&id,
		&payloadRef,
		&stage,
		&stateStr,
		&attempt,
		&errorMessage,
		&nextAttemptAt,
		&leaseHolder,
		&leaseExpires,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	req := &Request{
		ID:           id,
		PayloadRef:   payloadRef,
		Stage:        stage,
		State:        State(stateStr),
		Attempt:      attempt,
		ErrorMessage: errorMessage.String,
		LeaseHolder:  leaseHolder.String,
	}
	if t, err := parseTimeString(createdRaw); err == nil {
		req.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		req.UpdatedAt = t
	}
	if nextAttemptAt.Valid {
		if t, err := parseTimeString(nextAttemptAt.String); err == nil {
			req.NextAttemptAt = &t
		}
	}
	if leaseExpires.Valid {
		if t, err := parseTimeString(leaseExpires.String); err == nil {
			req.LeaseExpires = &t
		}
	}
	return req, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
