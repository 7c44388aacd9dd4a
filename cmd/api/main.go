package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"moneymanager/internal/infrastructure/postgres"
	"moneymanager/internal/shared/config"
	"moneymanager/internal/shared/logger"
	"moneymanager/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	zerolog.DefaultContextLogger = &log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			MetricsPort:  cfg.Telemetry.MetricsPort,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		}, log)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				log.Error().Err(err).Msg("telemetry shutdown failed")
			}
		}()
	}

	if err := postgres.Migrate(cfg.Database.URL()); err != nil {
		return err
	}

	deps, err := NewDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	handler := SetupRoutes(deps, cfg, log)
	srv, redirectSrv, failed := StartServers(NewServerConfigFromConfig(handler, cfg), log)

	if deps.SyncJob != nil {
		deps.SyncJob.Start()
		log.Info().Str("spec", cfg.Scheduler.Spec).Msg("periodic sync scheduled")
	} else {
		log.Info().Msg("periodic sync is disabled")
	}

	select {
	case <-ctx.Done():
	case err = <-failed:
		log.Error().Err(err).Msg("server failed")
	}

	GracefulShutdown(srv, redirectSrv, deps, shutdownTimeout, log)
	return err
}
