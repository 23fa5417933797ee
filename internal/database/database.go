package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OrderBy int

const (
	OrderByASC OrderBy = iota
	OrderByDESC
)

func (o OrderBy) SQL() string {
	if o == OrderByDESC {
		return "DESC"
	}
	return "ASC"
}

type Role string

const (
	RoleEmployee Role = "employee"
	RoleMonitor  Role = "monitor"
	RoleAdmin    Role = "admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleEmployee, RoleMonitor, RoleAdmin:
		return true
	default:
		return false
	}
}

type DeactivationReason string

const (
	DeactivationReasonRevoked DeactivationReason = "revoked"
	DeactivationReasonExpired DeactivationReason = "expired"
)

type User struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MonitorAssignment struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	AssignedBy         uuid.UUID
	StartsAt           time.Time
	EndsAt             time.Time
	IsActive           bool
	DeactivatedAt      util.Optional[time.Time]
	DeactivationReason util.Optional[string]
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ActiveMonitor is a monitor together with the assignment that currently elevates it.
type ActiveMonitor struct {
	User       User
	Assignment MonitorAssignment
}

type AuditLogEvent struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Type      string
	Data      json.RawMessage
	CreatedAt time.Time
}

var (
	ErrUserNotFound              = errors.New("user not found")
	ErrUserAlreadyExists         = errors.New("user already exists")
	ErrMonitorAssignmentNotFound = errors.New("monitor assignment not found")
	ErrMonitorCapacityMissing    = errors.New("monitor capacity row missing")
	ErrAuditLogEventNotFound     = errors.New("audit log event not found")
)

// Tx is a unit of work against the store. Everything done through a Tx commits or rolls back together.
type Tx interface {
	// LockMonitorCapacity serializes capacity checks: it blocks until no other transaction holds the lock.
	LockMonitorCapacity(ctx context.Context) error

	GetUserByID(ctx context.Context, id uuid.UUID) (User, error)
	GetUserForUpdate(ctx context.Context, id uuid.UUID) (User, error)
	CountUsersByRole(ctx context.Context, role Role) (int, error)
	UpdateUserRole(ctx context.Context, id uuid.UUID, role Role) error

	GetActiveMonitorAssignmentForUpdate(ctx context.Context, userID uuid.UUID) (MonitorAssignment, error)
	GetMonitorAssignmentForUpdate(ctx context.Context, id uuid.UUID) (MonitorAssignment, error)
	CreateMonitorAssignment(ctx context.Context, params CreateMonitorAssignmentParams) (MonitorAssignment, error)
	DeactivateMonitorAssignment(ctx context.Context, id uuid.UUID, params DeactivateMonitorAssignmentParams) error
	UpdateMonitorAssignmentEndsAt(ctx context.Context, id uuid.UUID, endsAt time.Time) error
	ListMonitorAssignments(ctx context.Context, params ListMonitorAssignmentsParams) ([]MonitorAssignment, error)
	ListActiveMonitors(ctx context.Context) ([]ActiveMonitor, error)

	CreateAuditLogEvent(ctx context.Context, params CreateAuditLogEventParams) (AuditLogEvent, error)
}

// querier is implemented by both the pool and a pgx transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Database struct {
	Pool *pgxpool.Pool
}

func NewDatabase() Database {
	return Database{
		Pool: nil,
	}
}

func (db *Database) Connect(ctx context.Context, connString string) error {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return fmt.Errorf("unable to parse database configuration: %w", err)
	}

	config.MaxConnIdleTime = 10 * time.Minute
	config.MaxConnLifetime = time.Hour

	db.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("unable to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.Pool.Ping(pingCtx); err != nil {
		db.Pool.Close()
		return fmt.Errorf("unable to ping database: %w", err)
	}

	return nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunInTx runs fn inside a read-write READ COMMITTED transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (db *Database) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.runTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, fn)
}

// RunReadOnly runs fn inside a read-only REPEATABLE READ transaction so every query sees one snapshot.
func (db *Database) RunReadOnly(ctx context.Context, fn func(tx Tx) error) error {
	return db.runTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (db *Database) runTx(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("database: failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("database: failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockMonitorCapacity(ctx context.Context) error {
	var id int16
	if err := t.tx.QueryRow(ctx, `SELECT id FROM tbl_monitor_capacity WHERE id = 1 FOR UPDATE`).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMonitorCapacityMissing
		}
		return fmt.Errorf("database: failed to lock monitor capacity: %w", err)
	}

	if _, err := t.tx.Exec(ctx, `UPDATE tbl_monitor_capacity SET updated_at = $1 WHERE id = 1`, time.Now().UTC()); err != nil {
		return fmt.Errorf("database: failed to touch monitor capacity: %w", err)
	}
	return nil
}

func (t *pgTx) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	return getUser(ctx, t.tx, id, false)
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, id uuid.UUID) (User, error) {
	return getUser(ctx, t.tx, id, true)
}

func (t *pgTx) CountUsersByRole(ctx context.Context, role Role) (int, error) {
	return countUsersByRole(ctx, t.tx, role)
}

func (t *pgTx) UpdateUserRole(ctx context.Context, id uuid.UUID, role Role) error {
	tag, err := t.tx.Exec(ctx, `UPDATE tbl_user SET role = $1, updated_at = $2 WHERE id = $3`, role, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("database: failed to update role (user_id=%s): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *pgTx) GetActiveMonitorAssignmentForUpdate(ctx context.Context, userID uuid.UUID) (MonitorAssignment, error) {
	return scanMonitorAssignment(t.tx.QueryRow(ctx,
		`SELECT `+monitorAssignmentColumns+` FROM tbl_monitor_assignment WHERE user_id = $1 AND is_active FOR UPDATE`, userID))
}

func (t *pgTx) GetMonitorAssignmentForUpdate(ctx context.Context, id uuid.UUID) (MonitorAssignment, error) {
	return scanMonitorAssignment(t.tx.QueryRow(ctx,
		`SELECT `+monitorAssignmentColumns+` FROM tbl_monitor_assignment WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) CreateMonitorAssignment(ctx context.Context, params CreateMonitorAssignmentParams) (MonitorAssignment, error) {
	return createMonitorAssignment(ctx, t.tx, params)
}

func (t *pgTx) DeactivateMonitorAssignment(ctx context.Context, id uuid.UUID, params DeactivateMonitorAssignmentParams) error {
	return deactivateMonitorAssignment(ctx, t.tx, id, params)
}

func (t *pgTx) UpdateMonitorAssignmentEndsAt(ctx context.Context, id uuid.UUID, endsAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE tbl_monitor_assignment SET ends_at = $1, updated_at = $2 WHERE id = $3 AND is_active`,
		endsAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("database: failed to update monitor assignment end (id=%s): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMonitorAssignmentNotFound
	}
	return nil
}

func (t *pgTx) ListMonitorAssignments(ctx context.Context, params ListMonitorAssignmentsParams) ([]MonitorAssignment, error) {
	return listMonitorAssignments(ctx, t.tx, params)
}

func (t *pgTx) ListActiveMonitors(ctx context.Context) ([]ActiveMonitor, error) {
	return listActiveMonitors(ctx, t.tx)
}

func (t *pgTx) CreateAuditLogEvent(ctx context.Context, params CreateAuditLogEventParams) (AuditLogEvent, error) {
	return createAuditLogEvent(ctx, t.tx, params)
}
