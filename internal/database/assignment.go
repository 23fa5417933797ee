package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const monitorAssignmentColumns = `id, user_id, assigned_by, starts_at, ends_at, is_active, deactivated_at, deactivation_reason, created_at, updated_at`

type CreateMonitorAssignmentParams struct {
	UserID     uuid.UUID
	AssignedBy uuid.UUID
	StartsAt   time.Time
	EndsAt     time.Time
}

type DeactivateMonitorAssignmentParams struct {
	EndsAt        time.Time
	DeactivatedAt time.Time
	Reason        DeactivationReason
}

type ListMonitorAssignmentsParams struct {
	UserID          util.Optional[uuid.UUID]
	IsActive        util.Optional[bool]
	EndsBefore      util.Optional[time.Time]
	OrderByStartsAt util.Optional[OrderBy]
	Limit           util.Optional[int]
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitorAssignment(row rowScanner) (MonitorAssignment, error) {
	var a MonitorAssignment
	err := row.Scan(&a.ID, &a.UserID, &a.AssignedBy, &a.StartsAt, &a.EndsAt, &a.IsActive, &a.DeactivatedAt, &a.DeactivationReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, ErrMonitorAssignmentNotFound
		}
		return a, fmt.Errorf("database: failed to scan monitor assignment: %w", err)
	}
	return a, nil
}

func createMonitorAssignment(ctx context.Context, q querier, params CreateMonitorAssignmentParams) (MonitorAssignment, error) {
	now := time.Now().UTC()
	assignment := MonitorAssignment{
		ID:                 uuid.New(),
		UserID:             params.UserID,
		AssignedBy:         params.AssignedBy,
		StartsAt:           params.StartsAt.UTC(),
		EndsAt:             params.EndsAt.UTC(),
		IsActive:           true,
		DeactivatedAt:      util.None[time.Time](),
		DeactivationReason: util.None[string](),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if _, err := q.Exec(ctx, `INSERT INTO tbl_monitor_assignment (`+monitorAssignmentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		assignment.ID, assignment.UserID, assignment.AssignedBy, assignment.StartsAt, assignment.EndsAt, assignment.IsActive,
		assignment.DeactivatedAt, assignment.DeactivationReason, assignment.CreatedAt, assignment.UpdatedAt); err != nil {
		return assignment, fmt.Errorf("database: failed to insert monitor assignment (user_id=%s): %w", params.UserID, err)
	}
	return assignment, nil
}

func deactivateMonitorAssignment(ctx context.Context, q querier, id uuid.UUID, params DeactivateMonitorAssignmentParams) error {
	tag, err := q.Exec(ctx, `UPDATE tbl_monitor_assignment SET is_active = FALSE, ends_at = $1, deactivated_at = $2, deactivation_reason = $3, updated_at = $4 WHERE id = $5 AND is_active`,
		params.EndsAt.UTC(), params.DeactivatedAt.UTC(), string(params.Reason), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("database: failed to deactivate monitor assignment (id=%s): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMonitorAssignmentNotFound
	}
	return nil
}

func listMonitorAssignments(ctx context.Context, q querier, params ListMonitorAssignmentsParams) ([]MonitorAssignment, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + monitorAssignmentColumns + ` FROM tbl_monitor_assignment WHERE 1=1`)
	var args []any
	argNum := 1

	if params.UserID.IsSet {
		query.WriteString(fmt.Sprintf(" AND user_id = $%d", argNum))
		args = append(args, params.UserID.Val)
		argNum++
	}
	if params.IsActive.IsSet {
		query.WriteString(fmt.Sprintf(" AND is_active = $%d", argNum))
		args = append(args, params.IsActive.Val)
		argNum++
	}
	if params.EndsBefore.IsSet {
		query.WriteString(fmt.Sprintf(" AND ends_at < $%d", argNum))
		args = append(args, params.EndsBefore.Val)
		argNum++
	}
	if params.OrderByStartsAt.IsSet {
		query.WriteString(" ORDER BY starts_at " + params.OrderByStartsAt.Val.SQL() + ", created_at " + params.OrderByStartsAt.Val.SQL())
	}
	if params.Limit.IsSet {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", argNum))
		args = append(args, params.Limit.Val)
		argNum++
	}

	rows, err := q.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("database: failed to list monitor assignments: %w", err)
	}
	defer rows.Close()

	var assignments []MonitorAssignment
	for rows.Next() {
		assignment, err := scanMonitorAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: failed to iterate monitor assignments: %w", err)
	}

	return assignments, nil
}

func listActiveMonitors(ctx context.Context, q querier) ([]ActiveMonitor, error) {
	rows, err := q.Query(ctx, `
		SELECT u.id, u.name, u.email, u.role, u.created_at, u.updated_at,
			a.id, a.user_id, a.assigned_by, a.starts_at, a.ends_at, a.is_active, a.deactivated_at, a.deactivation_reason, a.created_at, a.updated_at
		FROM tbl_user u
		INNER JOIN tbl_monitor_assignment a ON a.user_id = u.id AND a.is_active
		WHERE u.role = $1
		ORDER BY a.starts_at ASC
	`, RoleMonitor)
	if err != nil {
		return nil, fmt.Errorf("database: failed to list active monitors: %w", err)
	}
	defer rows.Close()

	var monitors []ActiveMonitor
	for rows.Next() {
		var m ActiveMonitor
		if err := rows.Scan(
			&m.User.ID, &m.User.Name, &m.User.Email, &m.User.Role, &m.User.CreatedAt, &m.User.UpdatedAt,
			&m.Assignment.ID, &m.Assignment.UserID, &m.Assignment.AssignedBy, &m.Assignment.StartsAt, &m.Assignment.EndsAt,
			&m.Assignment.IsActive, &m.Assignment.DeactivatedAt, &m.Assignment.DeactivationReason,
			&m.Assignment.CreatedAt, &m.Assignment.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("database: failed to scan active monitor: %w", err)
		}
		monitors = append(monitors, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: failed to iterate active monitors: %w", err)
	}

	return monitors, nil
}
