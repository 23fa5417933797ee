package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/freekieb7/stockroom/internal/user"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderUserID carries the authenticated user's id. It is set by the authenticating proxy in front of
// the service; the service itself does not authenticate.
const HeaderUserID = "X-User-ID"

const actorLocalsKey = "actor"

type UserGetter interface {
	GetUser(ctx context.Context, userID uuid.UUID) (user.User, error)
}

// ActorMiddleware resolves the calling user from HeaderUserID and stores it for Actor.
func ActorMiddleware(logger *slog.Logger, users UserGetter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(HeaderUserID)
		if header == "" {
			return ErrorResponse(c, fiber.StatusUnauthorized, ErrorStatusUnauthorized, "Missing "+HeaderUserID+" header")
		}

		userID, err := uuid.Parse(header)
		if err != nil {
			return ErrorResponse(c, fiber.StatusUnauthorized, ErrorStatusUnauthorized, "Invalid "+HeaderUserID+" header")
		}

		actor, err := users.GetUser(c.UserContext(), userID)
		if err != nil {
			if errors.Is(err, user.ErrUserNotFound) {
				return ErrorResponse(c, fiber.StatusUnauthorized, ErrorStatusUnauthorized, "Unknown user")
			}
			logger.ErrorContext(c.UserContext(), "Failed to resolve actor", "user_id", userID, "error", err)
			return ErrorResponse(c, fiber.StatusServiceUnavailable, ErrorStatusServiceUnavailable, "Service temporarily unavailable, try again")
		}

		c.Locals(actorLocalsKey, actor)
		return c.Next()
	}
}

// AdminOnly rejects callers that are not admins. It must run after ActorMiddleware.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, ok := Actor(c)
		if !ok || !actor.IsAdmin() {
			return ErrorResponse(c, fiber.StatusForbidden, ErrorStatusForbidden, "Admin role required")
		}
		return c.Next()
	}
}

func Actor(c *fiber.Ctx) (user.User, bool) {
	actor, ok := c.Locals(actorLocalsKey).(user.User)
	return actor, ok
}

// RequestLogger logs every request once it has been handled.
func RequestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		logger.InfoContext(c.UserContext(), "Request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration", time.Since(start),
			"ip", c.IP(),
			"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
		)
		return err
	}
}

// SecurityHeaders sets the response headers relevant to a JSON API.
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		c.Set(fiber.HeaderXFrameOptions, "DENY")
		c.Set(fiber.HeaderReferrerPolicy, "no-referrer")
		c.Set(fiber.HeaderCacheControl, "no-store")
		if c.Protocol() == "https" {
			c.Set(fiber.HeaderStrictTransportSecurity, "max-age=31536000; includeSubDomains")
		}
		return c.Next()
	}
}
