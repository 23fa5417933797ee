package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freekieb7/stockroom/internal/api"
	"github.com/freekieb7/stockroom/internal/app"
	"github.com/freekieb7/stockroom/internal/config"
	"github.com/freekieb7/stockroom/internal/daemon"
	"github.com/freekieb7/stockroom/internal/logger"
	"github.com/freekieb7/stockroom/internal/telemetry"
	"github.com/freekieb7/stockroom/internal/validator"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.NewConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	log := logger.New(*cfg, os.Stdout)

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize services", "error", err)
		return err
	}
	defer services.Close()

	daemons := daemon.NewDaemonManager(log)
	daemons.Add("monitor-sweep", daemon.SweepExpiredMonitorsTask(&services.Monitors, services.Locker, log, daemon.SweepTaskConfig{
		Interval: cfg.Monitor.SweepInterval,
		LockTTL:  cfg.Monitor.SweepLockTTL,
		Timeout:  cfg.Monitor.OperationLimit,
	}))
	daemons.Start(ctx)

	router := api.NewRouter(
		api.RouterConfig{
			Logger:         log,
			ServiceName:    cfg.Telemetry.ServiceName,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			SweepLimit:     10,
			LimiterStorage: services.OpenLimiterStorage(cfg),
		},
		api.NewHealthHandler(log, services.Store, cfg.Telemetry.ServiceVersion),
		api.NewMonitorHandler(log, &services.Monitors, validator.New(), cfg.Monitor.OperationLimit),
		&services.Users,
	)

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "addr", addr, "store", cfg.Database.Driver, "capacity", services.Monitors.Capacity())
		serverErr <- router.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("Server stopped unexpectedly", "error", err)
		}
		cancel()
	}

	if err := router.ShutdownWithTimeout(10 * time.Second); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Failed to shut down server", "error", err)
	}

	daemons.Wait()
	log.Info("Server stopped")
	return nil
}
