// Package main wires together the mission orchestration service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/deeptube/mission-control/internal/api"
	"github.com/deeptube/mission-control/internal/bus"
	"github.com/deeptube/mission-control/internal/clock/system"
	"github.com/deeptube/mission-control/internal/config"
	"github.com/deeptube/mission-control/internal/id/uuid"
	"github.com/deeptube/mission-control/internal/logging"
	"github.com/deeptube/mission-control/internal/metrics"
	"github.com/deeptube/mission-control/internal/orchestrator"
	"github.com/deeptube/mission-control/internal/store"
	"github.com/deeptube/mission-control/internal/store/memory"
	"github.com/deeptube/mission-control/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	autostart := flag.Bool("autostart", false, "Start the orchestration engine immediately")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	st, closeStore, err := buildStore(ctx, cfg, clock)
	if err != nil {
		logger.Error("datastore init failed", zap.Error(err))
		os.Exit(1)
	}
	defer closeStore()

	eventBus := bus.New(bus.Config{
		Logger: logger.Named("bus"),
		Observer: func(n bus.Name) {
			metrics.ObserveBusEvent(string(n))
		},
	})

	httpClient := &http.Client{Timeout: cfg.ClientTimeout()}
	controller := orchestrator.NewController(orchestrator.ControllerOptions{
		Config:     cfg,
		Store:      st,
		Bus:        eventBus,
		Clock:      clock,
		IDs:        uuid.New(),
		WorkerDial: orchestrator.HTTPWorkerDialer(httpClient),
		WriterDial: orchestrator.HTTPWriterDialer(httpClient),
		Logger:     logger,
	})

	if *autostart {
		if err := controller.Start(ctx); err != nil {
			logger.Error("orchestrator autostart failed", zap.Error(err))
			os.Exit(1)
		}
	}

	apiServer := api.NewServer(controller, st, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	controller.Stop()
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config, clock *system.Clock) (store.Store, func(), error) {
	switch cfg.DB.Provider {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, pg.Close, nil
	case "memory":
		return memory.New(clock), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown db.provider %q", cfg.DB.Provider)
	}
}
