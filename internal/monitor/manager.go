package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/freekieb7/stockroom/internal/audit"
	"github.com/freekieb7/stockroom/internal/database"
	"github.com/freekieb7/stockroom/internal/notifications"
	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultCapacity = 4

// Store runs units of work. Both *database.Database and *memory.Store satisfy it.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx database.Tx) error) error
	RunReadOnly(ctx context.Context, fn func(tx database.Tx) error) error
}

type Config struct {
	// Capacity is the maximum number of simultaneous monitors. Zero means DefaultCapacity.
	Capacity int
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

type Manager struct {
	logger   *slog.Logger
	store    Store
	auditor  *audit.Auditor
	notifier *notifications.Manager
	capacity int
	now      func() time.Time
	tracer   trace.Tracer
	metrics  instruments
}

func NewManager(logger *slog.Logger, store Store, auditor *audit.Auditor, notifier *notifications.Manager, cfg Config) Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return Manager{
		logger:   logger,
		store:    store,
		auditor:  auditor,
		notifier: notifier,
		capacity: cfg.Capacity,
		now:      cfg.Now,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  newInstruments(logger),
	}
}

type Assignment struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	AssignedBy         uuid.UUID
	StartsAt           time.Time
	EndsAt             time.Time
	IsActive           bool
	DeactivatedAt      util.Optional[time.Time]
	DeactivationReason util.Optional[string]
}

// Monitor is a user currently holding the monitor role through an active assignment.
type Monitor struct {
	UserID     uuid.UUID
	Name       string
	Email      string
	Assignment Assignment
}

func (m *Manager) Capacity() int {
	return m.capacity
}

// AssignMonitor elevates an employee to monitor until endsAt. The capacity check and the role change
// happen in one transaction that holds the capacity lock, so concurrent callers never exceed the limit.
func (m *Manager) AssignMonitor(ctx context.Context, userID, assignedBy uuid.UUID, endsAt time.Time) (Assignment, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.AssignMonitor", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
		attribute.String("assigned_by", assignedBy.String()),
	))
	defer span.End()

	var assignment Assignment
	err := m.assign(ctx, userID, assignedBy, endsAt, &assignment)
	m.metrics.recordOperation(ctx, "assign", err)
	if err != nil {
		return Assignment{}, m.fail(ctx, span, "Failed to assign monitor", userID, err)
	}

	m.logger.InfoContext(ctx, "Monitor assigned", "user_id", userID, "assigned_by", assignedBy, "assignment_id", assignment.ID, "ends_at", assignment.EndsAt)
	m.notify(ctx, notifications.Notification{
		Type:     notifications.NotificationTypeMonitorAssigned,
		UserID:   userID,
		ActorID:  assignedBy,
		StartsAt: assignment.StartsAt,
		EndsAt:   assignment.EndsAt,
	})
	return assignment, nil
}

func (m *Manager) assign(ctx context.Context, userID, assignedBy uuid.UUID, endsAt time.Time, out *Assignment) error {
	if userID == uuid.Nil || assignedBy == uuid.Nil {
		return newError(CodeInvalidInput, userID, "user id and assigner id are required")
	}
	if !endsAt.After(m.now()) {
		return newError(CodeInvalidInput, userID, "assignment must end in the future")
	}

	return m.store.RunInTx(ctx, func(tx database.Tx) error {
		if err := tx.LockMonitorCapacity(ctx); err != nil {
			return err
		}

		assigner, err := tx.GetUserByID(ctx, assignedBy)
		if err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				return newError(CodeNotFound, assignedBy, "assigning user not found")
			}
			return err
		}
		if assigner.Role != database.RoleAdmin {
			return newError(CodeForbidden, assignedBy, "only admins can assign monitors")
		}

		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				return newError(CodeNotFound, userID, "user not found")
			}
			return err
		}
		switch user.Role {
		case database.RoleMonitor:
			return newError(CodeInvalidRoleTransition, userID, "user is already a monitor")
		case database.RoleAdmin:
			return newError(CodeInvalidRoleTransition, userID, "admins cannot be assigned as monitor")
		}

		if _, err := tx.GetActiveMonitorAssignmentForUpdate(ctx, userID); err == nil {
			return newError(CodeInvalidRoleTransition, userID, "user already has an active monitor assignment")
		} else if !errors.Is(err, database.ErrMonitorAssignmentNotFound) {
			return err
		}

		count, err := tx.CountUsersByRole(ctx, database.RoleMonitor)
		if err != nil {
			return err
		}
		if count >= m.capacity {
			return newError(CodeCapacityExceeded, userID, "monitor capacity reached")
		}

		if err := tx.UpdateUserRole(ctx, userID, database.RoleMonitor); err != nil {
			return err
		}

		created, err := tx.CreateMonitorAssignment(ctx, database.CreateMonitorAssignmentParams{
			UserID:     userID,
			AssignedBy: assignedBy,
			StartsAt:   m.now().UTC(),
			EndsAt:     endsAt,
		})
		if err != nil {
			return err
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			OwnerID: assignedBy,
			Type:    audit.AuditLogEventTypeMonitorAssign,
			Data: map[string]any{
				"user_id":       userID,
				"assignment_id": created.ID,
				"starts_at":     created.StartsAt,
				"ends_at":       created.EndsAt,
			},
		}); err != nil {
			return err
		}

		*out = toAssignment(created)
		return nil
	})
}

// RevokeMonitor demotes a monitor back to employee and deactivates its assignment. Revoking a user that
// holds neither the monitor role nor an active assignment returns ErrNotAMonitor and changes nothing. A
// monitor role left without an assignment is demoted.
func (m *Manager) RevokeMonitor(ctx context.Context, userID uuid.UUID) error {
	ctx, span := m.tracer.Start(ctx, "monitor.RevokeMonitor", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
	))
	defer span.End()

	var revoked Assignment
	err := m.store.RunInTx(ctx, func(tx database.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				return newError(CodeNotFound, userID, "user not found")
			}
			return err
		}

		active, err := tx.GetActiveMonitorAssignmentForUpdate(ctx, userID)
		if err != nil {
			if !errors.Is(err, database.ErrMonitorAssignmentNotFound) {
				return err
			}
			if user.Role != database.RoleMonitor {
				return newError(CodeNotAMonitor, userID, "user is not an active monitor")
			}
			// Role without a backing assignment; demote so the two agree again.
			m.logger.WarnContext(ctx, "Monitor role without active assignment, demoting", "user_id", userID)
			if err := tx.UpdateUserRole(ctx, userID, database.RoleEmployee); err != nil {
				return err
			}
			return m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
				OwnerID: userID,
				Type:    audit.AuditLogEventTypeMonitorRevoke,
				Data:    map[string]any{"user_id": userID, "repaired": true},
			})
		}

		now := m.now().UTC()
		endsAt := active.EndsAt
		if now.Before(endsAt) {
			endsAt = now
		}
		if err := tx.DeactivateMonitorAssignment(ctx, active.ID, database.DeactivateMonitorAssignmentParams{
			EndsAt:        endsAt,
			DeactivatedAt: now,
			Reason:        database.DeactivationReasonRevoked,
		}); err != nil {
			return err
		}
		if user.Role == database.RoleMonitor {
			if err := tx.UpdateUserRole(ctx, userID, database.RoleEmployee); err != nil {
				return err
			}
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			OwnerID: userID,
			Type:    audit.AuditLogEventTypeMonitorRevoke,
			Data: map[string]any{
				"user_id":       userID,
				"assignment_id": active.ID,
				"ends_at":       endsAt,
			},
		}); err != nil {
			return err
		}

		active.IsActive = false
		active.EndsAt = endsAt
		active.DeactivatedAt = util.Some(now)
		active.DeactivationReason = util.Some(string(database.DeactivationReasonRevoked))
		revoked = toAssignment(active)
		return nil
	})
	m.metrics.recordOperation(ctx, "revoke", err)
	if err != nil {
		if IsBenign(err) {
			span.SetAttributes(attribute.String("outcome", string(CodeNotAMonitor)))
			m.logger.DebugContext(ctx, "Revoke skipped, user is not a monitor", "user_id", userID)
			return err
		}
		return m.fail(ctx, span, "Failed to revoke monitor", userID, err)
	}

	m.logger.InfoContext(ctx, "Monitor revoked", "user_id", userID, "assignment_id", revoked.ID)
	m.notify(ctx, notifications.Notification{
		Type:     notifications.NotificationTypeMonitorRevoked,
		UserID:   userID,
		StartsAt: revoked.StartsAt,
		EndsAt:   revoked.EndsAt,
	})
	return nil
}

// ExtendMonitor moves the end of a monitor's active assignment. The new end must lie in the future.
func (m *Manager) ExtendMonitor(ctx context.Context, userID uuid.UUID, endsAt time.Time) (Assignment, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.ExtendMonitor", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
	))
	defer span.End()

	var extended Assignment
	err := m.store.RunInTx(ctx, func(tx database.Tx) error {
		if !endsAt.After(m.now()) {
			return newError(CodeInvalidInput, userID, "assignment must end in the future")
		}

		if _, err := tx.GetUserForUpdate(ctx, userID); err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				return newError(CodeNotFound, userID, "user not found")
			}
			return err
		}

		active, err := tx.GetActiveMonitorAssignmentForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, database.ErrMonitorAssignmentNotFound) {
				return newError(CodeNotAMonitor, userID, "user is not an active monitor")
			}
			return err
		}

		if err := tx.UpdateMonitorAssignmentEndsAt(ctx, active.ID, endsAt.UTC()); err != nil {
			return err
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			OwnerID: userID,
			Type:    audit.AuditLogEventTypeMonitorExtend,
			Data: map[string]any{
				"user_id":          userID,
				"assignment_id":    active.ID,
				"previous_ends_at": active.EndsAt,
				"ends_at":          endsAt.UTC(),
			},
		}); err != nil {
			return err
		}

		active.EndsAt = endsAt.UTC()
		extended = toAssignment(active)
		return nil
	})
	m.metrics.recordOperation(ctx, "extend", err)
	if err != nil {
		return Assignment{}, m.fail(ctx, span, "Failed to extend monitor", userID, err)
	}

	m.logger.InfoContext(ctx, "Monitor extended", "user_id", userID, "assignment_id", extended.ID, "ends_at", extended.EndsAt)
	m.notify(ctx, notifications.Notification{
		Type:     notifications.NotificationTypeMonitorExtended,
		UserID:   userID,
		StartsAt: extended.StartsAt,
		EndsAt:   extended.EndsAt,
	})
	return extended, nil
}

// SweepExpiredAssignments demotes every monitor whose assignment ended before asOf and returns the
// monitors it demoted. A zero asOf means now. Each assignment is handled in its own transaction, so a
// failure leaves the rows already swept committed; the returned error then joins every failure.
// Running the sweep twice for the same asOf demotes nobody the second time.
func (m *Manager) SweepExpiredAssignments(ctx context.Context, asOf time.Time) ([]Monitor, error) {
	if asOf.IsZero() {
		asOf = m.now()
	}
	asOf = asOf.UTC()

	ctx, span := m.tracer.Start(ctx, "monitor.SweepExpiredAssignments", trace.WithAttributes(
		attribute.String("as_of", asOf.Format(time.RFC3339)),
	))
	defer span.End()

	var candidates []database.MonitorAssignment
	err := m.view(ctx, func(tx database.Tx) error {
		var err error
		candidates, err = tx.ListMonitorAssignments(ctx, database.ListMonitorAssignmentsParams{
			IsActive:        util.Some(true),
			EndsBefore:      util.Some(asOf),
			OrderByStartsAt: util.Some(database.OrderByASC),
		})
		return err
	})
	if err != nil {
		return nil, m.fail(ctx, span, "Failed to list expired assignments", uuid.Nil, err)
	}

	var swept []Monitor
	var errs []error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		monitor, ok, err := m.expire(ctx, candidate, asOf)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to expire monitor assignment", "assignment_id", candidate.ID, "user_id", candidate.UserID, "error", err)
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		swept = append(swept, monitor)
		m.metrics.expirations.Add(ctx, 1)
		m.notify(ctx, notifications.Notification{
			Type:     notifications.NotificationTypeMonitorExpired,
			UserID:   monitor.UserID,
			StartsAt: monitor.Assignment.StartsAt,
			EndsAt:   monitor.Assignment.EndsAt,
		})
	}

	span.SetAttributes(attribute.Int("swept", len(swept)))
	if len(swept) > 0 {
		m.logger.InfoContext(ctx, "Expired monitor assignments swept", "count", len(swept), "as_of", asOf)
	}

	if len(errs) > 0 {
		return swept, m.fail(ctx, span, "Sweep finished with errors", uuid.Nil, errors.Join(errs...))
	}
	return swept, nil
}

// expire deactivates one candidate. It reports false when another process already handled the
// assignment or extended it past asOf.
func (m *Manager) expire(ctx context.Context, candidate database.MonitorAssignment, asOf time.Time) (Monitor, bool, error) {
	var monitor Monitor
	var expired bool

	err := m.store.RunInTx(ctx, func(tx database.Tx) error {
		user, err := tx.GetUserForUpdate(ctx, candidate.UserID)
		if err != nil {
			return err
		}

		assignment, err := tx.GetMonitorAssignmentForUpdate(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if !assignment.IsActive || !assignment.EndsAt.Before(asOf) {
			return nil
		}

		now := m.now().UTC()
		if err := tx.DeactivateMonitorAssignment(ctx, assignment.ID, database.DeactivateMonitorAssignmentParams{
			EndsAt:        assignment.EndsAt,
			DeactivatedAt: now,
			Reason:        database.DeactivationReasonExpired,
		}); err != nil {
			return err
		}
		if user.Role == database.RoleMonitor {
			if err := tx.UpdateUserRole(ctx, user.ID, database.RoleEmployee); err != nil {
				return err
			}
		}

		if err := m.auditor.LogEvent(ctx, tx, audit.LogEventParam{
			OwnerID: user.ID,
			Type:    audit.AuditLogEventTypeMonitorExpire,
			Data: map[string]any{
				"user_id":       user.ID,
				"assignment_id": assignment.ID,
				"ends_at":       assignment.EndsAt,
				"as_of":         asOf,
			},
		}); err != nil {
			return err
		}

		assignment.IsActive = false
		assignment.DeactivatedAt = util.Some(now)
		assignment.DeactivationReason = util.Some(string(database.DeactivationReasonExpired))
		monitor = Monitor{
			UserID:     user.ID,
			Name:       user.Name,
			Email:      user.Email,
			Assignment: toAssignment(assignment),
		}
		expired = true
		return nil
	})
	if err != nil {
		return Monitor{}, false, err
	}
	return monitor, expired, nil
}

// GetActiveMonitors returns the current monitors ordered by assignment start.
func (m *Manager) GetActiveMonitors(ctx context.Context) ([]Monitor, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.GetActiveMonitors")
	defer span.End()

	var active []database.ActiveMonitor
	err := m.view(ctx, func(tx database.Tx) error {
		var err error
		active, err = tx.ListActiveMonitors(ctx)
		return err
	})
	if err != nil {
		return nil, m.fail(ctx, span, "Failed to list active monitors", uuid.Nil, err)
	}

	monitors := make([]Monitor, 0, len(active))
	for _, a := range active {
		monitors = append(monitors, Monitor{
			UserID:     a.User.ID,
			Name:       a.User.Name,
			Email:      a.User.Email,
			Assignment: toAssignment(a.Assignment),
		})
	}
	return monitors, nil
}

func (m *Manager) CountActiveMonitors(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.CountActiveMonitors")
	defer span.End()

	var count int
	err := m.view(ctx, func(tx database.Tx) error {
		var err error
		count, err = tx.CountUsersByRole(ctx, database.RoleMonitor)
		return err
	})
	if err != nil {
		return 0, m.fail(ctx, span, "Failed to count active monitors", uuid.Nil, err)
	}
	return count, nil
}

// ListAssignmentHistory returns every assignment the user ever held, newest first.
func (m *Manager) ListAssignmentHistory(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.ListAssignmentHistory", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
	))
	defer span.End()

	var history []database.MonitorAssignment
	err := m.view(ctx, func(tx database.Tx) error {
		if _, err := tx.GetUserByID(ctx, userID); err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				return newError(CodeNotFound, userID, "user not found")
			}
			return err
		}

		var err error
		history, err = tx.ListMonitorAssignments(ctx, database.ListMonitorAssignmentsParams{
			UserID:          util.Some(userID),
			OrderByStartsAt: util.Some(database.OrderByDESC),
		})
		return err
	})
	if err != nil {
		return nil, m.fail(ctx, span, "Failed to list assignment history", userID, err)
	}

	assignments := make([]Assignment, 0, len(history))
	for _, a := range history {
		assignments = append(assignments, toAssignment(a))
	}
	return assignments, nil
}

// view runs a read-only unit of work and retries it once after a transient store failure.
func (m *Manager) view(ctx context.Context, fn func(tx database.Tx) error) error {
	err := m.store.RunReadOnly(ctx, fn)
	if err == nil || CodeOf(err) != "" || ctx.Err() != nil {
		return err
	}

	m.logger.WarnContext(ctx, "Read failed, retrying once", "error", err)
	return m.store.RunReadOnly(ctx, fn)
}

// fail converts err to an *Error, records it on the span and logs unexpected failures.
func (m *Manager) fail(ctx context.Context, span trace.Span, msg string, userID uuid.UUID, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = persistenceError(err)
		e.UserID = userID
	}

	span.SetAttributes(attribute.String("error.code", string(e.Code)))
	if e.Code == CodePersistenceFailure {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		m.logger.ErrorContext(ctx, msg, "user_id", userID, "error", err)
	} else {
		m.logger.InfoContext(ctx, msg, "user_id", userID, "code", e.Code, "reason", e.Message)
	}
	return e
}

func (m *Manager) notify(ctx context.Context, notification notifications.Notification) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(context.WithoutCancel(ctx), notification); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish monitor notification", "type", notification.Type, "user_id", notification.UserID, "error", err)
	}
}

func toAssignment(a database.MonitorAssignment) Assignment {
	return Assignment{
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
