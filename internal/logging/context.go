package logging

import (
	"context"
	"log/slog"

	"conveyor/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRequestID is the standardized structured logging key for pipeline request identifiers.
	FieldRequestID = "request_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldAttempt is the standardized structured logging key for per-stage attempt counters.
	FieldAttempt = "attempt"
	// FieldEventType tags log records that mark lifecycle events (dispatch, result, sweep).
	FieldEventType = "event_type"
	// FieldState is the standardized structured logging key for request states.
	FieldState = "state"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if id, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRequestID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if attempt, ok := services.AttemptFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldAttempt, attempt))
	}
	return fields
}

// WithContext returns a logger augmented with fields derived from the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
