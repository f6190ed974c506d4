// Package logging wraps log/slog construction and the structured field
// conventions used across conveyor. Request identity (request id, stage,
// attempt) travels in the context; WithContext projects it onto a logger so
// every component logs the same correlation fields.
package logging
