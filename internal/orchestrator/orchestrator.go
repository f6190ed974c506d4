// Package orchestrator coordinates request progress through the pipeline. It
// dispatches ready requests, applies stage results to the ledger, and
// reclaims work whose lease expired. All coordination state lives in the
// ledger; an orchestrator instance can restart (or run alongside a peer)
// and resume from what the ledger says.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/accumulator"
	"conveyor/internal/bus"
	"conveyor/internal/config"
	"conveyor/internal/ledger"
	"conveyor/internal/logging"
	"conveyor/internal/metrics"
	"conveyor/internal/registry"
)

const consumerGroup = "orchestrator"

// leaseGrace pads the dispatch lease beyond the stage timeout so result
// delivery and ledger writes finish before the sweep may reclaim the attempt.
const leaseGrace = 30 * time.Second

// Orchestrator drives the dispatch loop and consumes stage results.
type Orchestrator struct {
	cfg        *config.Config
	store      *ledger.Store
	reg        *registry.Registry
	bus        bus.Bus
	acc        *accumulator.Accumulator
	recorder   *metrics.Recorder
	logger     *slog.Logger
	instanceID string

	leaseTTL         time.Duration
	dispatchInterval time.Duration
	errorRetryWait   time.Duration
	batchSize        int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []bus.Subscription
}

// New constructs an orchestrator. The recorder may be nil.
func New(cfg *config.Config, store *ledger.Store, reg *registry.Registry, b bus.Bus, acc *accumulator.Accumulator, recorder *metrics.Recorder, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:              cfg,
		store:            store,
		reg:              reg,
		bus:              b,
		acc:              acc,
		recorder:         recorder,
		logger:           logging.NewComponentLogger(logger, "orchestrator"),
		instanceID:       uuid.NewString(),
		leaseTTL:         time.Duration(cfg.Workflow.LeaseTTL) * time.Second,
		dispatchInterval: time.Duration(cfg.Workflow.DispatchInterval) * time.Second,
		errorRetryWait:   time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		batchSize:        cfg.Workflow.MaxDispatchBatch,
	}
	reg.Watch(o.onStageRegistered)
	return o
}

// onStageRegistered begins consuming results for a stage appended to the
// registry at runtime.
func (o *Orchestrator) onStageRegistered(desc registry.Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	sub, err := o.bus.Subscribe(bus.ResultSubject(desc.Name), consumerGroup, o.handleResult)
	if err != nil {
		o.logger.Error("subscribe results for registered stage",
			logging.String(logging.FieldStage, desc.Name),
			logging.Error(err))
		return
	}
	o.subs = append(o.subs, sub)
}

// InstanceID identifies this orchestrator as a lease holder.
func (o *Orchestrator) InstanceID() string {
	return o.instanceID
}

// leaseDuration sizes the dispatch lease for one stage attempt. The lease
// must outlive any legitimate worker run, so it always covers the stage's
// declared timeout plus grace; the configured TTL acts as a floor. A worker
// that is slow but inside its timeout is therefore never reclaimed by the
// sweep.
func (o *Orchestrator) leaseDuration(desc registry.Descriptor) time.Duration {
	ttl := desc.Timeout + leaseGrace
	if ttl < o.leaseTTL {
		ttl = o.leaseTTL
	}
	return ttl
}

// Start subscribes to stage results and begins the dispatch loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator already running")
	}

	for _, name := range o.reg.Names() {
		sub, err := o.bus.Subscribe(bus.ResultSubject(name), consumerGroup, o.handleResult)
		if err != nil {
			for _, s := range o.subs {
				_ = s.Unsubscribe()
			}
			o.subs = nil
			o.mu.Unlock()
			return err
		}
		o.subs = append(o.subs, sub)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.wg.Add(1)
	o.mu.Unlock()

	go o.runDispatch(runCtx)
	return nil
}

// Stop halts the dispatch loop and unsubscribes result consumers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	subs := o.subs
	o.running = false
	o.cancel = nil
	o.subs = nil
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (o *Orchestrator) runDispatch(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dispatched, err := o.DispatchOnce(ctx)
		if err != nil {
			o.logger.Error("dispatch pass failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "dispatch_failed"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.errorRetryWait):
			}
			continue
		}
		if dispatched > 0 {
			// More work may be ready; go again without waiting.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.dispatchInterval):
		}
	}
}
