package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/freekieb7/stockroom/internal/lock"
	"github.com/freekieb7/stockroom/internal/monitor"
)

const sweepLockKey = "monitor-sweep"

type Sweeper interface {
	SweepExpiredAssignments(ctx context.Context, asOf time.Time) ([]monitor.Monitor, error)
}

type SweepTaskConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
	// Timeout bounds a single sweep run. Zero means no bound beyond the daemon context.
	Timeout time.Duration
}

// SweepExpiredMonitorsTask demotes monitors whose assignment ended. It sweeps once on start and then on
// every tick; replicas coordinate through locker so only one sweeps at a time.
func SweepExpiredMonitorsTask(sweeper Sweeper, locker lock.Locker, logger *slog.Logger, cfg SweepTaskConfig) DaemonFunc {
	return func(ctx context.Context, name string) error {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		logger.Info("Monitor sweep task started", "task", name, "interval", cfg.Interval)
		sweepOnce(ctx, sweeper, locker, logger, cfg)

		for {
			select {
			case <-ctx.Done():
				logger.Info("Monitor sweep task shutting down", "task", name)
				return nil
			case <-ticker.C:
				sweepOnce(ctx, sweeper, locker, logger, cfg)
			}
		}
	}
}

func sweepOnce(ctx context.Context, sweeper Sweeper, locker lock.Locker, logger *slog.Logger, cfg SweepTaskConfig) {
	lease, ok, err := locker.TryAcquire(ctx, sweepLockKey, cfg.LockTTL)
	if err != nil {
		logger.Error("Failed to acquire sweep lock", "error", err)
		return
	}
	if !ok {
		logger.Debug("Sweep lock held elsewhere, skipping run")
		return
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release sweep lock", "error", err)
		}
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	swept, err := sweeper.SweepExpiredAssignments(ctx, time.Time{})
	if err != nil {
		logger.Error("Monitor sweep failed", "swept", len(swept), "error", err)
		return
	}
	if len(swept) > 0 {
		logger.Info("Monitor sweep demoted expired monitors", "count", len(swept))
	}
}
