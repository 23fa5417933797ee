package api

import (
	"errors"
	"fmt"

	"github.com/freekieb7/stockroom/internal/monitor"

	"github.com/gofiber/fiber/v2"
)

const (
	ErrorStatusBadRequest         = "BAD_REQUEST"
	ErrorStatusUnauthorized       = "UNAUTHORIZED"
	ErrorStatusForbidden          = "FORBIDDEN"
	ErrorStatusNotFound           = "NOT_FOUND"
	ErrorStatusConflict           = "CONFLICT"
	ErrorStatusCapacityExceeded   = "CAPACITY_EXCEEDED"
	ErrorStatusServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrorStatusServerError        = "SERVER_ERROR"
)

func ErrorResponse(c *fiber.Ctx, code int, status string, message string) error {
	return c.Status(code).JSON(errorBody(code, status, message))
}

func errorBody(code int, status string, message string) fiber.Map {
	return fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
			"status":  status,
		},
	}
}

func ValidationErrorResponse(c *fiber.Ctx, messages []string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    fiber.StatusBadRequest,
			"message": "Invalid request",
			"status":  ErrorStatusBadRequest,
			"details": messages,
		},
	})
}

func ItemsResponse(c *fiber.Ctx, items any, extra fiber.Map) error {
	body := fiber.Map{"items": items}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(body)
}

func monitorErrorResponse(c *fiber.Ctx, err error, capacity int) error {
	code, status, message := monitorError(err, capacity)
	return ErrorResponse(c, code, status, message)
}

// monitorError maps a manager error onto the HTTP status and message clients see.
func monitorError(err error, capacity int) (int, string, string) {
	var e *monitor.Error
	if !errors.As(err, &e) {
		return fiber.StatusInternalServerError, ErrorStatusServerError, "Internal server error"
	}

	switch e.Code {
	case monitor.CodeNotFound:
		return fiber.StatusNotFound, ErrorStatusNotFound, "User not found"
	case monitor.CodeInvalidRoleTransition:
		return fiber.StatusConflict, ErrorStatusConflict, capitalize(e.Message)
	case monitor.CodeCapacityExceeded:
		return fiber.StatusConflict, ErrorStatusCapacityExceeded, fmt.Sprintf("Maximum of %d monitors reached", capacity)
	case monitor.CodeNotAMonitor:
		return fiber.StatusConflict, ErrorStatusConflict, "User is not an active monitor"
	case monitor.CodeForbidden:
		return fiber.StatusForbidden, ErrorStatusForbidden, capitalize(e.Message)
	case monitor.CodeInvalidInput:
		return fiber.StatusBadRequest, ErrorStatusBadRequest, capitalize(e.Message)
	case monitor.CodePersistenceFailure:
		return fiber.StatusServiceUnavailable, ErrorStatusServiceUnavailable, "Service temporarily unavailable, try again"
	default:
		return fiber.StatusInternalServerError, ErrorStatusServerError, "Internal server error"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
