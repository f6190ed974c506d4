package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures that are retried per the stage backoff policy.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that must not be retried; the request fails immediately.
	ErrPermanent = errors.New("permanent failure")
	// ErrStaleTransition marks an optimistic-concurrency conflict on a ledger write.
	ErrStaleTransition = errors.New("stale transition")
	// ErrConfiguration marks startup configuration problems; never raised at request time.
	ErrConfiguration = errors.New("configuration error")
	// ErrLeaseExpired is informational; it drives the recovery sweep rather than a failure.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrNotFound marks missing requests or stages.
	ErrNotFound = errors.New("not found")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient: ambiguous outcomes are retried and stages are required
// to be idempotent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrConfiguration) {
		return false
	}
	return true
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
