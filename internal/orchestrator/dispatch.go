package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/logging"
	"conveyor/internal/services"
)

// DispatchOnce runs one dispatch pass: it acquires leases on ready requests
// and publishes a dispatch event for each. Requests another instance leased
// in the meantime are skipped. Returns the number of requests dispatched.
func (o *Orchestrator) DispatchOnce(ctx context.Context) (int, error) {
	ready, err := o.store.ReadyForDispatch(ctx, time.Now(), o.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch ready requests: %w", err)
	}

	dispatched := 0
	for _, req := range ready {
		desc, err := o.reg.Resolve(req.Stage)
		if err != nil {
			// A request parked at a stage the registry no longer knows
			// cannot make progress; fail it rather than spinning.
			o.logger.Error("request references unknown stage",
				logging.String(logging.FieldRequestID, req.ID),
				logging.String(logging.FieldStage, req.Stage))
			if err := o.failRequest(ctx, req.ID, req.Stage, req.Attempt, "unknown stage "+req.Stage); err != nil && !errors.Is(err, services.ErrStaleTransition) {
				return dispatched, err
			}
			continue
		}

		if err := o.store.AcquireForDispatch(ctx, req.ID, req.Stage, o.instanceID, o.leaseDuration(desc)); err != nil {
			if errors.Is(err, services.ErrStaleTransition) {
				continue
			}
			return dispatched, fmt.Errorf("acquire %s: %w", req.ID, err)
		}

		evt := bus.Event{
			RequestID:  req.ID,
			Stage:      req.Stage,
			Attempt:    req.Attempt,
			Type:       bus.EventDispatched,
			PayloadRef: req.PayloadRef,
			Timestamp:  time.Now().UTC(),
		}
		if err := o.bus.Publish(ctx, bus.DispatchSubject(req.Stage), evt); err != nil {
			// The lease stands; the sweep reclaims the request after the TTL
			// and the attempt is retried through the normal rule.
			o.logger.Warn("dispatch publish failed, lease left for sweep",
				logging.String(logging.FieldRequestID, req.ID),
				logging.String(logging.FieldStage, req.Stage),
				logging.Error(err))
			continue
		}

		dispatched++
		o.logger.Info("dispatched stage attempt",
			logging.String(logging.FieldRequestID, req.ID),
			logging.String(logging.FieldStage, req.Stage),
			logging.Int(logging.FieldAttempt, req.Attempt))
	}
	return dispatched, nil
}
