package ledger

import (
	"strings"
	"time"
)

// State is the lifecycle state of a request at its current stage.
type State string

const (
	// StatePending means the request is ready for dispatch at its current
	// stage (possibly gated by a backoff deadline).
	StatePending State = "pending"
	// StateRunning means a dispatch lease is held and the stage worker may
	// be executing.
	StateRunning State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

var allStates = []State{StatePending, StateRunning, StateCompleted, StateFailed, StateAborted}

// Terminal reports whether no further transitions may occur.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted:
		return true
	default:
		return false
	}
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStates {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// AllStates returns the known states in lifecycle order.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// Outcome records how one stage attempt ended in the history.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeAborted   Outcome = "aborted"
)

// Request is a unit of work flowing through the pipeline.
type Request struct {
	ID            string
	PayloadRef    string
	Stage         string
	State         State
	Attempt       int
	ErrorMessage  string
	NextAttemptAt *time.Time
	LeaseHolder   string
	LeaseExpires  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Leased reports whether the request carries an unexpired lease at now.
func (r *Request) Leased(now time.Time) bool {
	return r.LeaseHolder != "" && r.LeaseExpires != nil && r.LeaseExpires.After(now)
}

// HistoryEntry is one append-only stage attempt record.
type HistoryEntry struct {
	ID        int64
	RequestID string
	Stage     string
	Attempt   int
	Outcome   Outcome
	Detail    string
	CreatedAt time.Time
}

// Output is one accumulated stage output reference.
type Output struct {
	RequestID string
	Stage     string
	OutputRef string
	CreatedAt time.Time
}

// HealthSummary aggregates request counts per lifecycle state.
type HealthSummary struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Aborted   int
}
