package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/freekieb7/stockroom/internal/monitor"
	"github.com/freekieb7/stockroom/internal/util"
	"github.com/freekieb7/stockroom/internal/validator"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type MonitorHandler struct {
	logger    *slog.Logger
	monitors  *monitor.Manager
	validator *validator.Validator
	timeout   time.Duration
}

func NewMonitorHandler(logger *slog.Logger, monitors *monitor.Manager, v *validator.Validator, timeout time.Duration) *MonitorHandler {
	return &MonitorHandler{
		logger:    logger,
		monitors:  monitors,
		validator: v,
		timeout:   timeout,
	}
}

type AssignMonitorRequest struct {
	UserID string    `json:"user_id" validate:"required,uuid,uuid_not_nil"`
	EndsAt time.Time `json:"ends_at" validate:"required,future"`
}

type ExtendMonitorRequest struct {
	EndsAt time.Time `json:"ends_at" validate:"required,future"`
}

type SweepRequest struct {
	AsOf util.Optional[time.Time] `json:"as_of"`
}

type AssignmentResponse struct {
	ID                 uuid.UUID                `json:"id"`
	UserID             uuid.UUID                `json:"user_id"`
	AssignedBy         uuid.UUID                `json:"assigned_by"`
	StartsAt           time.Time                `json:"starts_at"`
	EndsAt             time.Time                `json:"ends_at"`
	IsActive           bool                     `json:"is_active"`
	DeactivatedAt      util.Optional[time.Time] `json:"deactivated_at"`
	DeactivationReason util.Optional[string]    `json:"deactivation_reason"`
}

type MonitorResponse struct {
	UserID     uuid.UUID          `json:"user_id"`
	Name       string             `json:"name"`
	Email      string             `json:"email"`
	Assignment AssignmentResponse `json:"assignment"`
}

func (h *MonitorHandler) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.UserContext())
	}
	return context.WithTimeout(c.UserContext(), h.timeout)
}

func (h *MonitorHandler) ListMonitors(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	monitors, err := h.monitors.GetActiveMonitors(ctx)
	if err != nil {
		return monitorErrorResponse(c, err, h.monitors.Capacity())
	}

	items := make([]MonitorResponse, 0, len(monitors))
	for _, m := range monitors {
		items = append(items, toMonitorResponse(m))
	}

	return ItemsResponse(c, items, fiber.Map{
		"count":    len(items),
		"capacity": h.monitors.Capacity(),
	})
}

func (h *MonitorHandler) CountMonitors(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	count, err := h.monitors.CountActiveMonitors(ctx)
	if err != nil {
		return monitorErrorResponse(c, err, h.monitors.Capacity())
	}

	capacity := h.monitors.Capacity()
	return c.JSON(fiber.Map{
		"count":     count,
		"capacity":  capacity,
		"available": max(capacity-count, 0),
	})
}

func (h *MonitorHandler) AssignMonitor(c *fiber.Ctx) error {
	actor, ok := Actor(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusUnauthorized, ErrorStatusUnauthorized, "Unauthenticated")
	}

	var req AssignMonitorRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, ErrorStatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Validate(req); err != nil {
		return ValidationErrorResponse(c, validator.Messages(err))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	assignment, err := h.monitors.AssignMonitor(ctx, uuid.MustParse(req.UserID), actor.ID, req.EndsAt)
	if err != nil {
		return monitorErrorResponse(c, err, h.monitors.Capacity())
	}

	return c.Status(fiber.StatusCreated).JSON(toAssignmentResponse(assignment))
}

func (h *MonitorHandler) RevokeMonitor(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, ErrorStatusBadRequest, "Invalid user id")
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.monitors.RevokeMonitor(ctx, userID); err != nil {
		if monitor.IsBenign(err) {
			return c.JSON(fiber.Map{"status": string(monitor.CodeNotAMonitor), "user_id": userID})
		}
		return monitorErrorResponse(c, err, h.monitors.Capacity())
	}

	return c.JSON(fiber.Map{"status": "revoked", "user_id": userID})
}

func (h *MonitorHandler) ExtendMonitor(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, ErrorStatusBadRequest, "Invalid user id")
	}

	var req ExtendMonitorRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, ErrorStatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Validate(req); err != nil {
		return ValidationErrorResponse(c, validator.Messages(err))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	assignment, err := h.monitors.ExtendMonitor(ctx, userID, req.EndsAt)
	if err != nil {
		return monitorErrorResponse(c, err, h.monitors.Capacity())
	}

	return c.JSON(toAssignmentResponse(assignment))
}

func (h *MonitorHandler) ListAssignments(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("userID"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, ErrorStatusBadRequest, "Invalid user id")
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	history, err := h.monitors.ListAssignmentHistory(ctx, userID)
	if err != nil {
		return monitorErrorResponse(c, err, h.monitors.Capacity())
	}

	items := make([]AssignmentResponse, 0, len(history))
	for _, a := range history {
		items = append(items, toAssignmentResponse(a))
	}
	return ItemsResponse(c, items, nil)
}

func (h *MonitorHandler) Sweep(c *fiber.Ctx) error {
	var req SweepRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return ErrorResponse(c, fiber.StatusBadRequest, ErrorStatusBadRequest, "Invalid request body")
		}
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	swept, err := h.monitors.SweepExpiredAssignments(ctx, req.AsOf.UnwrapOr(time.Time{}))

	items := make([]MonitorResponse, 0, len(swept))
	for _, m := range swept {
		items = append(items, toMonitorResponse(m))
	}

	if err != nil {
		h.logger.WarnContext(ctx, "Manual sweep failed", "swept", len(swept), "error", err)
		// Rows swept before the failure are committed; report them alongside the error.
		code, status, message := monitorError(err, h.monitors.Capacity())
		body := errorBody(code, status, message)
		body["items"] = items
		body["count"] = len(items)
		return c.Status(code).JSON(body)
	}

	return ItemsResponse(c, items, fiber.Map{"count": len(items)})
}

func toAssignmentResponse(a monitor.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:                 a.ID,
		UserID:             a.UserID,
		AssignedBy:         a.AssignedBy,
		StartsAt:           a.StartsAt,
		EndsAt:             a.EndsAt,
		IsActive:           a.IsActive,
		DeactivatedAt:      a.DeactivatedAt,
		DeactivationReason: a.DeactivationReason,
	}
}

func toMonitorResponse(m monitor.Monitor) MonitorResponse {
	return MonitorResponse{
		UserID:     m.UserID,
		Name:       m.Name,
		Email:      m.Email,
		Assignment: toAssignmentResponse(m.Assignment),
	}
}
