package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"conveyor/internal/bus"
	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/ledger"
	"conveyor/internal/logging"
	"conveyor/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Optional; environment overrides are read during config load.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := ledger.Open(cfg)
	if err != nil {
		logger.Error("open ledger store", logging.Error(err))
		return
	}

	eventBus, err := bus.New(cfg, logger)
	if err != nil {
		logger.Error("connect event bus", logging.Error(err))
		store.Close()
		return
	}

	recorder := metrics.NewRecorder(nil)
	d, err := daemon.New(cfg, store, eventBus, logger, recorder)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		eventBus.Close()
		store.Close()
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("conveyord shutting down")
}
