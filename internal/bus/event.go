// Package bus carries pipeline coordination events between the orchestrator
// and stage invokers. Delivery is at least once on every driver; consumers
// deduplicate via the ledger.
package bus

import "time"

// EventType classifies a pipeline event.
type EventType string

const (
	// EventDispatched records that a stage attempt was handed to a worker.
	// It is informational; state transitions key off terminal events only.
	EventDispatched EventType = "dispatched"
	EventSucceeded  EventType = "succeeded"
	EventFailed     EventType = "failed"
	EventTimedOut   EventType = "timed_out"
)

// Terminal reports whether the event type ends a stage attempt.
func (t EventType) Terminal() bool {
	switch t {
	case EventSucceeded, EventFailed, EventTimedOut:
		return true
	default:
		return false
	}
}

// Event is one pipeline coordination message. Events for the same attempt may
// be delivered more than once; (RequestID, Stage, Attempt) identifies the
// attempt for deduplication.
type Event struct {
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	Type       EventType `json:"type"`
	PayloadRef string    `json:"payload_ref,omitempty"`
	OutputRef  string    `json:"output_ref,omitempty"`
	Error      string    `json:"error,omitempty"`
	Permanent  bool      `json:"permanent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DispatchSubject is where the orchestrator publishes work for a stage.
func DispatchSubject(stage string) string {
	return "pipeline.dispatch." + stage
}

// ResultSubject is where invokers publish attempt outcomes for a stage.
func ResultSubject(stage string) string {
	return "pipeline.result." + stage
}
