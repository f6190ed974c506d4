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

// Sweep reclaims running requests whose lease expired. Each one is treated as
// a timed-out attempt and fed through the normal retry rule, so a crashed
// instance or a vanished worker heals without operator action. Returns the
// number of requests reclaimed.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	expired, err := o.store.ExpiredRunning(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}

	reclaimed := 0
	for _, req := range expired {
		// Claim the attempt so a worker result that limps in later is
		// deduplicated by the invoker.
		if _, err := o.store.ResolveAttempt(ctx, req.ID, req.Stage, req.Attempt, string(bus.EventTimedOut)); err != nil {
			return reclaimed, fmt.Errorf("resolve attempt for %s: %w", req.ID, err)
		}

		evt := bus.Event{
			RequestID: req.ID,
			Stage:     req.Stage,
			Attempt:   req.Attempt,
			Type:      bus.EventTimedOut,
			Error:     "dispatch lease expired",
		}
		if err := o.retryOrFail(ctx, evt, ledger.OutcomeTimedOut); err != nil {
			if errors.Is(err, services.ErrStaleTransition) {
				continue
			}
			return reclaimed, err
		}

		reclaimed++
		o.recorder.IncSweepReclaim()
		o.logger.Warn("reclaimed expired lease",
			logging.String(logging.FieldRequestID, req.ID),
			logging.String(logging.FieldStage, req.Stage),
			logging.Int(logging.FieldAttempt, req.Attempt),
			logging.String("holder", req.LeaseHolder))
	}

	o.refreshGauges(ctx)
	return reclaimed, nil
}

func (o *Orchestrator) refreshGauges(ctx context.Context) {
	stats, err := o.store.Stats(ctx)
	if err != nil {
		o.logger.Debug("stats refresh failed", logging.Error(err))
		return
	}
	for _, state := range ledger.AllStates() {
		o.recorder.SetRequestsInState(string(state), stats[state])
	}
}
