package api

import (
	"errors"
	"log/slog"
	"time"

	"github.com/freekieb7/stockroom/internal/telemetry"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

type RouterConfig struct {
	Logger       *slog.Logger
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SweepLimit caps manual sweeps per admin per minute. Zero disables the limit.
	SweepLimit int
	// LimiterStorage holds the sweep limit counters. Replicas sharing one storage share the limit;
	// nil keeps the counters in process.
	LimiterStorage fiber.Storage
}

func NewRouter(cfg RouterConfig, health *HealthHandler, monitors *MonitorHandler, users UserGetter) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(cfg.Logger),
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(telemetry.FiberMiddleware(cfg.ServiceName))
	app.Use(RequestLogger(cfg.Logger))
	app.Use(SecurityHeaders())

	app.Get("/health", health.Healthy)

	api := app.Group("/api", ActorMiddleware(cfg.Logger, users))

	group := api.Group("/monitors")
	group.Get("", monitors.ListMonitors)
	group.Get("/count", monitors.CountMonitors)
	group.Post("", AdminOnly(), monitors.AssignMonitor)
	group.Post("/sweep", AdminOnly(), sweepLimiter(cfg.SweepLimit, cfg.LimiterStorage), monitors.Sweep)
	group.Delete("/:userID", AdminOnly(), monitors.RevokeMonitor)
	group.Patch("/:userID", AdminOnly(), monitors.ExtendMonitor)
	group.Get("/:userID/assignments", AdminOnly(), monitors.ListAssignments)

	return app
}

func sweepLimiter(limit int, storage fiber.Storage) fiber.Handler {
	if limit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if actor, ok := Actor(c); ok {
				return actor.ID.String()
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return ErrorResponse(c, fiber.StatusTooManyRequests, "TOO_MANY_REQUESTS", "Too many sweep requests, try again later")
		},
	})
}

func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		status := ErrorStatusServerError
		message := "Internal server error"

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
			message = fiberErr.Message
			switch code {
			case fiber.StatusNotFound:
				status = ErrorStatusNotFound
			case fiber.StatusMethodNotAllowed, fiber.StatusBadRequest:
				status = ErrorStatusBadRequest
			}
		} else {
			logger.ErrorContext(c.UserContext(), "Unhandled request error", "method", c.Method(), "path", c.Path(), "error", err)
		}

		return ErrorResponse(c, code, status, message)
	}
}
