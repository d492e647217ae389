package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/mc-matrix-bridge/internal/bridgebuilder"
	"github.com/park285/mc-matrix-bridge/internal/config"
	"github.com/park285/mc-matrix-bridge/internal/obslog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := obslog.Init(obslog.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
		Caller:  cfg.Logging.Caller,
	})
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	reg, err := config.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		logger.Fatal("registration_load_failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bridgebuilder.New(ctx, cfg, reg, logger)
	if err != nil {
		logger.Fatal("bridge_init_failed", zap.Error(err))
	}
	logger.Info("bridge_starting",
		zap.String("homeserver", cfg.Homeserver.URL),
		zap.String("bot", deps.Matrix.BotUserID()),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("dry_run", cfg.Bridge.DryRun),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.AppService.ListenAndServe(gctx, cfg.AppService.Listen) })
	g.Go(func() error { return deps.Orchestrator.Run(gctx) })

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("bridge_stopped", zap.Error(runErr))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := deps.Close(closeCtx); err != nil {
		logger.Warn("shutdown_incomplete", zap.Error(err))
	}
	logger.Info("bridge_stopped_cleanly")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}
