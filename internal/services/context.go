package services

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	stageKey     contextKey = "stage"
	attemptKey   contextKey = "attempt"
)

// WithRequestID annotates context with the pipeline request identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithAttempt annotates context with the attempt counter for the current stage.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFromContext returns the attempt counter if present.
func AttemptFromContext(ctx context.Context) (int, bool) {
	if v, ok := ctx.Value(attemptKey).(int); ok {
		return v, true
	}
	return 0, false
}
