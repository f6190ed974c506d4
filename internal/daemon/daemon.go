// Package daemon runs the conveyor pipeline: orchestrator, stage invoker,
// periodic maintenance, and the control API, behind a single-instance lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofrs/flock"

	"conveyor/internal/accumulator"
	"conveyor/internal/api"
	"conveyor/internal/bus"
	"conveyor/internal/config"
	"conveyor/internal/invoker"
	"conveyor/internal/ledger"
	"conveyor/internal/logging"
	"conveyor/internal/metrics"
	"conveyor/internal/orchestrator"
	"conveyor/internal/registry"
)

// Daemon wires and supervises the pipeline services.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *ledger.Store
	bus      bus.Bus
	reg      *registry.Registry
	orch     *orchestrator.Orchestrator
	invoker  *invoker.Invoker
	service  *api.PipelineService
	recorder *metrics.Recorder

	scheduler gocron.Scheduler
	apiServer *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies. The recorder may be
// nil to disable metrics.
func New(cfg *config.Config, store *ledger.Store, b bus.Bus, logger *slog.Logger, recorder *metrics.Recorder) (*Daemon, error) {
	if cfg == nil || store == nil || b == nil {
		return nil, errors.New("daemon requires config, store, and bus")
	}

	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	acc := accumulator.New(store, logger)
	orch := orchestrator.New(cfg, store, reg, b, acc, recorder, logger)
	inv := invoker.New(store, reg, b, logger)
	svc := api.NewPipelineService(store, reg, recorder)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "conveyord.lock")
	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     store,
		bus:       b,
		reg:       reg,
		orch:      orch,
		invoker:   inv,
		service:   svc,
		recorder:  recorder,
		scheduler: scheduler,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	d.apiServer = newAPIServer(cfg, d, logger)
	return d, nil
}

// Service exposes the pipeline operations for in-process callers.
func (d *Daemon) Service() *api.PipelineService {
	return d.service
}

// Start acquires the daemon lock and launches all services.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.invoker.Start(); err != nil {
		d.abortStart()
		return fmt.Errorf("start invoker: %w", err)
	}
	if err := d.orch.Start(runCtx); err != nil {
		d.invoker.Stop()
		d.abortStart()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := d.scheduleMaintenance(); err != nil {
		d.orch.Stop()
		d.invoker.Stop()
		d.abortStart()
		return err
	}
	d.scheduler.Start()

	if err := d.apiServer.start(runCtx); err != nil {
		_ = d.scheduler.Shutdown()
		d.orch.Stop()
		d.invoker.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("conveyor daemon started",
		logging.String("lock", d.lockPath),
		logging.String("instance", d.orch.InstanceID()))
	return nil
}

func (d *Daemon) abortStart() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	_ = d.lock.Unlock()
}

func (d *Daemon) scheduleMaintenance() error {
	sweepInterval := time.Duration(d.cfg.Workflow.SweepInterval) * time.Second
	if _, err := d.scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(d.runSweep),
		gocron.WithName("lease-sweep"),
	); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	if d.cfg.Workflow.RetentionDays > 0 {
		if _, err := d.scheduler.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(d.runRetentionPrune),
			gocron.WithName("retention-prune"),
		); err != nil {
			return fmt.Errorf("schedule retention prune: %w", err)
		}
	}
	return nil
}

func (d *Daemon) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reclaimed, err := d.orch.Sweep(ctx)
	if err != nil {
		d.logger.Error("recovery sweep failed", logging.Error(err))
		return
	}
	if reclaimed > 0 {
		d.logger.Info("recovery sweep reclaimed requests", logging.Int("count", reclaimed))
	}
}

func (d *Daemon) runRetentionPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Workflow.RetentionDays)
	pruned, err := d.store.PruneTerminal(ctx, cutoff)
	if err != nil {
		d.logger.Error("retention prune failed", logging.Error(err))
		return
	}
	if pruned > 0 {
		d.logger.Info("pruned terminal requests", logging.Int64("count", pruned))
	}
}

// Stop halts all services and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.apiServer.stop()
	if err := d.scheduler.Shutdown(); err != nil {
		d.logger.Warn("scheduler shutdown failed", logging.Error(err))
	}
	d.orch.Stop()
	d.invoker.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("conveyor daemon stopped")
}

// Close stops the daemon and releases held resources.
func (d *Daemon) Close() error {
	d.Stop()
	if err := d.bus.Close(); err != nil {
		d.logger.Warn("bus close failed", logging.Error(err))
	}
	return d.store.Close()
}

// APIAddr returns the bound control API address, empty before Start.
func (d *Daemon) APIAddr() string {
	return d.apiServer.addr()
}
