package api

import (
	"time"

	"conveyor/internal/ledger"
	"conveyor/internal/registry"
)

// FromRequest converts a ledger request into its API representation.
func FromRequest(req *ledger.Request) Request {
	out := Request{
		ID:           req.ID,
		PayloadRef:   req.PayloadRef,
		Stage:        req.Stage,
		State:        string(req.State),
		Attempt:      req.Attempt,
		ErrorMessage: req.ErrorMessage,
		LeaseHolder:  req.LeaseHolder,
		CreatedAt:    formatTime(req.CreatedAt),
		UpdatedAt:    formatTime(req.UpdatedAt),
	}
	if req.NextAttemptAt != nil {
		out.NextAttemptAt = formatTime(*req.NextAttemptAt)
	}
	if req.LeaseExpires != nil {
		out.LeaseExpiresAt = formatTime(*req.LeaseExpires)
	}
	return out
}

// FromRequests converts a slice of ledger requests.
func FromRequests(reqs []*ledger.Request) []Request {
	out := make([]Request, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, FromRequest(req))
	}
	return out
}

// FromHistory converts ledger history entries.
func FromHistory(entries []ledger.HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, HistoryEntry{
			Stage:     entry.Stage,
			Attempt:   entry.Attempt,
			Outcome:   string(entry.Outcome),
			Detail:    entry.Detail,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	return out
}

// FromOutputs converts accumulated ledger outputs.
func FromOutputs(outputs []ledger.Output) []Output {
	out := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, Output{
			Stage:     o.Stage,
			OutputRef: o.OutputRef,
			CreatedAt: formatTime(o.CreatedAt),
		})
	}
	return out
}

// FromDescriptor converts a registry descriptor into its API view.
func FromDescriptor(desc registry.Descriptor) StageView {
	return StageView{
		Name:           desc.Name,
		Position:       desc.Position,
		Endpoint:       desc.Endpoint,
		TimeoutSeconds: int(desc.Timeout / time.Second),
		MaxRetries:     desc.MaxRetries,
		BackoffBaseMS:  int(desc.BackoffBase / time.Millisecond),
		BackoffCapMS:   int(desc.BackoffCap / time.Millisecond),
		Idempotent:     desc.Idempotent,
	}
}

// ToDescriptor converts an API stage view into a registry descriptor.
func ToDescriptor(view StageView) registry.Descriptor {
	return registry.Descriptor{
		Name:        view.Name,
		Position:    view.Position,
		Endpoint:    view.Endpoint,
		Timeout:     time.Duration(view.TimeoutSeconds) * time.Second,
		MaxRetries:  view.MaxRetries,
		BackoffBase: time.Duration(view.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(view.BackoffCapMS) * time.Millisecond,
		Idempotent:  view.Idempotent,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(apiTimeFormat)
}
