package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freekieb7/stockroom/internal/audit"
	"github.com/freekieb7/stockroom/internal/database"
	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
)

// Directory is the user storage. Both *database.Database and *memory.Store implement it.
type Directory interface {
	CreateUser(ctx context.Context, params database.CreateUserParams) (database.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (database.User, error)
	ListUsers(ctx context.Context, params database.ListUsersParams) ([]database.User, error)
	CreateAuditLogEvent(ctx context.Context, params database.CreateAuditLogEventParams) (database.AuditLogEvent, error)
}

type Manager struct {
	logger  *slog.Logger
	db      Directory
	auditor *audit.Auditor
}

func NewManager(logger *slog.Logger, db Directory, auditor *audit.Auditor) Manager {
	return Manager{logger: logger, db: db, auditor: auditor}
}

type User struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Role      database.Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u User) IsAdmin() bool {
	return u.Role == database.RoleAdmin
}

// CreateUser registers an employee or admin. The monitor role is only reachable through assignment.
func (m *Manager) CreateUser(ctx context.Context, name, email string, role database.Role) (User, error) {
	if role != database.RoleEmployee && role != database.RoleAdmin {
		return User{}, fmt.Errorf("cannot create user with role %q", role)
	}

	dbUser, err := m.db.CreateUser(ctx, database.CreateUserParams{Name: name, Email: email, Role: role})
	if err != nil {
		if errors.Is(err, database.ErrUserAlreadyExists) {
			return User{}, ErrUserAlreadyExists
		}
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}

	if err := m.auditor.LogEvent(ctx, m.db, audit.LogEventParam{
		OwnerID: dbUser.ID,
		Type:    audit.AuditLogEventTypeUserCreate,
		Data:    map[string]any{"email": dbUser.Email, "role": dbUser.Role},
	}); err != nil {
		m.logger.WarnContext(ctx, "Failed to audit user creation", "user_id", dbUser.ID, "error", err)
	}

	m.logger.InfoContext(ctx, "User created", "user_id", dbUser.ID, "role", dbUser.Role)
	return toUser(dbUser), nil
}

func (m *Manager) GetUser(ctx context.Context, userID uuid.UUID) (User, error) {
	dbUser, err := m.db.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return toUser(dbUser), nil
}

type ListUsersParam struct {
	Role   util.Optional[database.Role]
	Limit  util.Optional[int]
	Offset util.Optional[int]
}

func (m *Manager) ListUsers(ctx context.Context, params ListUsersParam) ([]User, error) {
	dbUsers, err := m.db.ListUsers(ctx, database.ListUsersParams{
		Role:   params.Role,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]User, 0, len(dbUsers))
	for _, dbUser := range dbUsers {
		users = append(users, toUser(dbUser))
	}
	return users, nil
}

func toUser(u database.User) User {
	return User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
