package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/freekieb7/stockroom/internal/audit"
	"github.com/freekieb7/stockroom/internal/config"
	"github.com/freekieb7/stockroom/internal/database"
	"github.com/freekieb7/stockroom/internal/database/memory"
	"github.com/freekieb7/stockroom/internal/database/migrations"
	"github.com/freekieb7/stockroom/internal/lock"
	"github.com/freekieb7/stockroom/internal/monitor"
	"github.com/freekieb7/stockroom/internal/notifications"
	"github.com/freekieb7/stockroom/internal/user"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/postgres/v3"
	"github.com/redis/go-redis/v9"
)

// limiterTable holds the HTTP rate limit counters shared by all replicas.
const limiterTable = "fiber_limiter"

// Store is everything the services need from a backing store.
type Store interface {
	monitor.Store
	user.Directory
	Ping(ctx context.Context) error
}

// App holds the wired services shared by the server and the command line tool.
type App struct {
	Store    Store
	Redis    *redis.Client
	Locker   lock.Locker
	Auditor  audit.Auditor
	Notifier notifications.Manager
	Monitors monitor.Manager
	Users    user.Manager

	// LimiterStorage is set by OpenLimiterStorage; nil means rate limits are counted per process.
	LimiterStorage fiber.Storage

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{}

	store, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	a.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Redis = client
		a.Locker = lock.NewRedisLocker(client)
	}

	a.Auditor = audit.NewAuditor(logger)
	a.Notifier = notifications.NewManager(logger, a.Redis)
	a.Monitors = monitor.NewManager(logger, store, &a.Auditor, &a.Notifier, monitor.Config{
		Capacity: cfg.Monitor.Capacity,
	})
	a.Users = user.NewManager(logger, store, &a.Auditor)

	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	if cfg.Database.Driver == config.StoreDriverMemory {
		logger.Warn("Using in-memory store, data is lost on exit")
		return memory.New(), nil
	}

	if cfg.Database.AutoMigrate {
		migrator, err := migrations.NewMigrator(logger, cfg.Database.MigrationURL())
		if err != nil {
			return nil, err
		}
		err = migrator.Up(0)
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Warn("Failed to close migrator", "error", closeErr)
		}
		if err != nil {
			return nil, err
		}
	}

	db := database.NewDatabase()
	if err := db.Connect(ctx, cfg.Database.URL()); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	return &db, nil
}

// OpenLimiterStorage backs HTTP rate limits with a Postgres table when the Postgres store is configured,
// so every replica counts against the same limit. The memory driver keeps the per-process default.
func (a *App) OpenLimiterStorage(cfg *config.Config) fiber.Storage {
	if cfg.Database.Driver != config.StoreDriverPostgres {
		return nil
	}

	storage := postgres.New(postgres.Config{
		ConnectionURI: cfg.Database.MigrationURL(),
		Table:         limiterTable,
		Reset:         false,
	})
	a.closers = append(a.closers, func() { _ = storage.Close() })
	a.LimiterStorage = storage
	return storage
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
