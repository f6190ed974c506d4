package api

// apiTimeFormat is used for RFC3339 timestamps in API payloads.
const apiTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Request describes a ledger entry in a transport-friendly format.
type Request struct {
	ID             string `json:"id"`
	PayloadRef     string `json:"payloadRef"`
	Stage          string `json:"stage"`
	State          string `json:"state"`
	Attempt        int    `json:"attempt"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	NextAttemptAt  string `json:"nextAttemptAt,omitempty"`
	LeaseHolder    string `json:"leaseHolder,omitempty"`
	LeaseExpiresAt string `json:"leaseExpiresAt,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// HistoryEntry is one attempt record in a request's audit trail.
type HistoryEntry struct {
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Output is one accumulated stage output reference.
type Output struct {
	Stage     string `json:"stage"`
	OutputRef string `json:"outputRef"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// RequestDetail bundles a request with its history and accumulated outputs.
type RequestDetail struct {
	Request Request        `json:"request"`
	History []HistoryEntry `json:"history"`
	Outputs []Output       `json:"outputs"`
}

// StageView describes a registered stage for API consumers.
type StageView struct {
	Name           string `json:"name"`
	Position       int    `json:"position"`
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries"`
	BackoffBaseMS  int    `json:"backoffBaseMs"`
	BackoffCapMS   int    `json:"backoffCapMs"`
	Idempotent     bool   `json:"idempotent"`
}

// SubmitRequest is the submission payload.
type SubmitRequest struct {
	PayloadRef string `json:"payloadRef"`
}

// AbortResponse reports whether an abort changed the request.
type AbortResponse struct {
	ID      string `json:"id"`
	Aborted bool   `json:"aborted"`
}

// HealthResponse summarizes pipeline load by lifecycle state.
type HealthResponse struct {
	Status   string         `json:"status"`
	Total    int            `json:"total"`
	Requests map[string]int `json:"requests"`
}

// RequestListResponse wraps a collection of requests.
type RequestListResponse struct {
	Requests []Request `json:"requests"`
}

// StageListResponse wraps the registered stages in pipeline order.
type StageListResponse struct {
	Stages []StageView `json:"stages"`
}
