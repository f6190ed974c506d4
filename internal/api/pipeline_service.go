package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"conveyor/internal/ledger"
	"conveyor/internal/metrics"
	"conveyor/internal/registry"
	"conveyor/internal/services"
)

// PipelineService exposes the request lifecycle operations behind the control
// API and CLI. It talks to the ledger directly; the orchestrator picks up
// submitted requests through its normal dispatch pass.
type PipelineService struct {
	store    *ledger.Store
	reg      *registry.Registry
	recorder *metrics.Recorder
}

// NewPipelineService constructs the service. The recorder may be nil.
func NewPipelineService(store *ledger.Store, reg *registry.Registry, recorder *metrics.Recorder) *PipelineService {
	return &PipelineService{store: store, reg: reg, recorder: recorder}
}

// Submit accepts a new request at the pipeline entry stage.
func (s *PipelineService) Submit(ctx context.Context, payloadRef string) (Request, error) {
	req, err := s.store.Create(ctx, payloadRef, s.reg.First())
	if err != nil {
		return Request{}, err
	}
	s.recorder.IncSubmission()
	return FromRequest(req), nil
}

// Describe returns a request with its history and accumulated outputs.
func (s *PipelineService) Describe(ctx context.Context, id string) (*RequestDetail, error) {
	req, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	outputs, err := s.store.Outputs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RequestDetail{
		Request: FromRequest(req),
		History: FromHistory(history),
		Outputs: FromOutputs(outputs),
	}, nil
}

// List returns requests, optionally filtered by state names.
func (s *PipelineService) List(ctx context.Context, states ...string) ([]Request, error) {
	parsed := make([]ledger.State, 0, len(states))
	for _, raw := range states {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		state, ok := ledger.ParseState(raw)
		if !ok {
			return nil, fmt.Errorf("unknown state %q", raw)
		}
		parsed = append(parsed, state)
	}
	reqs, err := s.store.List(ctx, parsed...)
	if err != nil {
		return nil, err
	}
	return FromRequests(reqs), nil
}

// Abort cancels a request regardless of its current stage. Aborting a
// terminal request is a no-op; the response reports whether anything changed.
func (s *PipelineService) Abort(ctx context.Context, id string) (AbortResponse, error) {
	req, err := s.store.GetByID(ctx, id)
	if err != nil {
		return AbortResponse{}, err
	}
	changed, err := s.store.Abort(ctx, id)
	if err != nil {
		return AbortResponse{}, err
	}
	if changed {
		s.recorder.IncAbort()
		if err := s.store.AppendHistory(ctx, ledger.HistoryEntry{
			RequestID: id,
			Stage:     req.Stage,
			Attempt:   req.Attempt,
			Outcome:   ledger.OutcomeAborted,
			Detail:    "aborted by operator",
		}); err != nil && !errors.Is(err, services.ErrNotFound) {
			return AbortResponse{ID: id, Aborted: changed}, err
		}
	}
	return AbortResponse{ID: id, Aborted: changed}, nil
}

// Health reports request counts by lifecycle state.
func (s *PipelineService) Health(ctx context.Context) (HealthResponse, error) {
	summary, err := s.store.Health(ctx)
	if err != nil {
		return HealthResponse{}, err
	}
	return HealthResponse{
		Status: "ok",
		Total:  summary.Total,
		Requests: map[string]int{
			string(ledger.StatePending):   summary.Pending,
			string(ledger.StateRunning):   summary.Running,
			string(ledger.StateCompleted): summary.Completed,
			string(ledger.StateFailed):    summary.Failed,
			string(ledger.StateAborted):   summary.Aborted,
		},
	}, nil
}

// Stages returns the registered stages in pipeline order.
func (s *PipelineService) Stages() []StageView {
	descs := s.reg.Descriptors()
	views := make([]StageView, 0, len(descs))
	for _, desc := range descs {
		views = append(views, FromDescriptor(desc))
	}
	return views
}

// UpdateStage tunes a stage's endpoint and retry policy, or registers a new
// stage appended after the current final one. Existing stages keep their
// pipeline position.
func (s *PipelineService) UpdateStage(view StageView) (StageView, error) {
	if err := s.reg.Update(ToDescriptor(view)); err != nil {
		return StageView{}, err
	}
	desc, err := s.reg.Resolve(view.Name)
	if err != nil {
		return StageView{}, err
	}
	return FromDescriptor(desc), nil
}
