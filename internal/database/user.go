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
	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = `id, name, email, role, created_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type CreateUserParams struct {
	Name  string
	Email string
	Role  Role
}

// CreateUser inserts a user. Monitors cannot be created directly; that role is only reachable through a
// monitor assignment.
func (db *Database) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if !params.Role.IsValid() {
		return User{}, fmt.Errorf("database: invalid role %q", params.Role)
	}
	if params.Role == RoleMonitor {
		return User{}, fmt.Errorf("database: users cannot be created with role %q", RoleMonitor)
	}

	now := time.Now().UTC()
	user := User{
		ID:        uuid.New(),
		Name:      params.Name,
		Email:     strings.ToLower(strings.TrimSpace(params.Email)),
		Role:      params.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := db.Pool.Exec(ctx, `INSERT INTO tbl_user (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Name, user.Email, user.Role, user.CreatedAt, user.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrUserAlreadyExists
		}
		return User{}, fmt.Errorf("database: failed to insert user (email=%s): %w", user.Email, err)
	}
	return user, nil
}

func (db *Database) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	return getUser(ctx, db.Pool, id, false)
}

type ListUsersParams struct {
	Role   util.Optional[Role]
	Limit  util.Optional[int]
	Offset util.Optional[int]
}

func (db *Database) ListUsers(ctx context.Context, params ListUsersParams) ([]User, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + userColumns + ` FROM tbl_user WHERE 1=1`)
	var args []any
	argNum := 1

	if params.Role.IsSet {
		query.WriteString(fmt.Sprintf(" AND role = $%d", argNum))
		args = append(args, params.Role.Val)
		argNum++
	}

	query.WriteString(" ORDER BY created_at ASC")

	if params.Limit.IsSet {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", argNum))
		args = append(args, params.Limit.Val)
		argNum++
	}
	if params.Offset.IsSet {
		query.WriteString(fmt.Sprintf(" OFFSET $%d", argNum))
		args = append(args, params.Offset.Val)
		argNum++
	}

	rows, err := db.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("database: failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("database: failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: failed to iterate users: %w", err)
	}

	return users, nil
}

func getUser(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (User, error) {
	query := `SELECT ` + userColumns + ` FROM tbl_user WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var user User
	err := q.QueryRow(ctx, query, id).Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return user, ErrUserNotFound
		}
		return user, fmt.Errorf("database: failed to scan user: %w", err)
	}
	return user, nil
}

func countUsersByRole(ctx context.Context, q querier, role Role) (int, error) {
	var count int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM tbl_user WHERE role = $1`, role).Scan(&count); err != nil {
		return 0, fmt.Errorf("database: failed to count users (role=%s): %w", role, err)
	}
	return count, nil
}
