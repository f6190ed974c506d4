package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/ledger"
	"conveyor/internal/logging"
	"conveyor/internal/services"
)

// handleResult applies one terminal stage event to the ledger. Events are
// delivered at least once and may arrive after the request moved on; every
// path here is safe to replay. Late events for requests that were aborted or
// already resolved are dropped.
func (o *Orchestrator) handleResult(ctx context.Context, evt bus.Event) error {
	if !evt.Type.Terminal() {
		return nil
	}

	req, err := o.store.GetByID(ctx, evt.RequestID)
	if errors.Is(err, services.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if req.State.Terminal() {
		o.logger.Debug("ignoring event for terminal request",
			logging.String(logging.FieldRequestID, evt.RequestID),
			logging.String(logging.FieldState, string(req.State)),
			logging.String(logging.FieldEventType, string(evt.Type)))
		return nil
	}
	if req.Stage != evt.Stage || req.State != ledger.StateRunning || req.Attempt != evt.Attempt {
		// A replay of an attempt the ledger already resolved.
		return nil
	}

	switch evt.Type {
	case bus.EventSucceeded:
		return o.applySuccess(ctx, evt)
	case bus.EventFailed:
		if evt.Permanent {
			o.recorder.IncStageResult(evt.Stage, "failed_permanent")
			return o.failRequest(ctx, evt.RequestID, evt.Stage, evt.Attempt, evt.Error)
		}
		return o.retryOrFail(ctx, evt, ledger.OutcomeFailed)
	case bus.EventTimedOut:
		return o.retryOrFail(ctx, evt, ledger.OutcomeTimedOut)
	default:
		return nil
	}
}

func (o *Orchestrator) applySuccess(ctx context.Context, evt bus.Event) error {
	if err := o.acc.Merge(ctx, evt.RequestID, evt.Stage, evt.OutputRef); err != nil {
		return fmt.Errorf("merge output: %w", err)
	}

	next, hasNext := o.reg.Next(evt.Stage)
	var err error
	if hasNext {
		err = o.store.AdvanceStage(ctx, evt.RequestID, evt.Stage, next)
	} else {
		err = o.store.Complete(ctx, evt.RequestID, evt.Stage)
	}
	if errors.Is(err, services.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	o.appendHistory(ctx, evt, ledger.OutcomeSucceeded, "")
	o.recorder.IncStageResult(evt.Stage, "succeeded")
	if hasNext {
		o.logger.Info("request advanced",
			logging.String(logging.FieldRequestID, evt.RequestID),
			logging.String(logging.FieldStage, evt.Stage),
			logging.String("next_stage", next))
	} else {
		o.logger.Info("request completed",
			logging.String(logging.FieldRequestID, evt.RequestID))
	}
	return nil
}

// retryOrFail applies the retry rule for a transient failure or timeout: the
// request re-enters pending with a backoff deadline until the stage's retry
// budget is spent, then fails.
func (o *Orchestrator) retryOrFail(ctx context.Context, evt bus.Event, outcome ledger.Outcome) error {
	desc, err := o.reg.Resolve(evt.Stage)
	if err != nil {
		return o.failRequest(ctx, evt.RequestID, evt.Stage, evt.Attempt, "unknown stage "+evt.Stage)
	}

	o.recorder.IncStageResult(evt.Stage, string(outcome))
	if evt.Attempt >= desc.MaxRetries {
		o.recorder.IncRetryExhausted(evt.Stage)
		msg := evt.Error
		if msg == "" {
			msg = string(outcome)
		}
		return o.failRequest(ctx, evt.RequestID, evt.Stage, evt.Attempt,
			fmt.Sprintf("retries exhausted after attempt %d: %s", evt.Attempt, msg))
	}

	delay := desc.BackoffDelay(evt.Attempt)
	err = o.store.RetryStage(ctx, evt.RequestID, evt.Stage, evt.Attempt, time.Now().Add(delay), evt.Error)
	if errors.Is(err, services.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	o.appendHistory(ctx, evt, outcome, evt.Error)
	o.recorder.IncRetry(evt.Stage)
	o.logger.Warn("stage attempt will retry",
		logging.String(logging.FieldRequestID, evt.RequestID),
		logging.String(logging.FieldStage, evt.Stage),
		logging.Int(logging.FieldAttempt, evt.Attempt),
		logging.Duration("backoff", delay),
		logging.String("reason", evt.Error))
	return nil
}

func (o *Orchestrator) failRequest(ctx context.Context, id, stage string, attempt int, msg string) error {
	err := o.store.Fail(ctx, id, stage, msg)
	if errors.Is(err, services.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	o.appendHistory(ctx, bus.Event{RequestID: id, Stage: stage, Attempt: attempt}, ledger.OutcomeFailed, msg)
	o.logger.Error("request failed",
		logging.String(logging.FieldRequestID, id),
		logging.String(logging.FieldStage, stage),
		logging.String("reason", msg))
	return nil
}

// appendHistory records the attempt outcome. The transition already
// happened, so a history write failure is logged rather than retried; the
// ledger row remains authoritative.
func (o *Orchestrator) appendHistory(ctx context.Context, evt bus.Event, outcome ledger.Outcome, detail string) {
	err := o.store.AppendHistory(ctx, ledger.HistoryEntry{
		RequestID: evt.RequestID,
		Stage:     evt.Stage,
		Attempt:   evt.Attempt,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		o.logger.Warn("history append failed",
			logging.String(logging.FieldRequestID, evt.RequestID),
			logging.Error(err))
	}
}
