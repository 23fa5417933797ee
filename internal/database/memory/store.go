// Package memory is an in-process implementation of the stockroom store. Every read-write unit of work
// holds one mutex and mutates a private copy of the state that is swapped in on commit, so transactions
// are serialized and all-or-nothing.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/freekieb7/stockroom/internal/database"
	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
)

var (
	ErrReadOnly                 = errors.New("memory: write in read-only transaction")
	ErrActiveAssignmentConflict = errors.New("memory: user already has an active monitor assignment")
)

type state struct {
	users       map[uuid.UUID]database.User
	assignments map[uuid.UUID]database.MonitorAssignment
	auditEvents []database.AuditLogEvent
}

func newState() *state {
	return &state{
		users:       make(map[uuid.UUID]database.User),
		assignments: make(map[uuid.UUID]database.MonitorAssignment),
	}
}

func (s *state) clone() *state {
	return &state{
		users:       maps.Clone(s.users),
		assignments: maps.Clone(s.assignments),
		auditEvents: slices.Clone(s.auditEvents),
	}
}

type Store struct {
	mu    sync.RWMutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx database.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{state: working}); err != nil {
		return err
	}

	// A caller timeout that fired during fn aborts the commit.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.state = working
	return nil
}

func (s *Store) RunReadOnly(ctx context.Context, fn func(tx database.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&tx{state: s.state, readOnly: true})
}

func (s *Store) CreateUser(ctx context.Context, params database.CreateUserParams) (database.User, error) {
	if !params.Role.IsValid() {
		return database.User{}, fmt.Errorf("memory: invalid role %q", params.Role)
	}
	if params.Role == database.RoleMonitor {
		return database.User{}, fmt.Errorf("memory: users cannot be created with role %q", database.RoleMonitor)
	}

	now := time.Now().UTC()
	user := database.User{
		ID:        uuid.New(),
		Name:      params.Name,
		Email:     strings.ToLower(strings.TrimSpace(params.Email)),
		Role:      params.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := ctx.Err(); err != nil {
		return database.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.users {
		if existing.Email == user.Email {
			return database.User{}, database.ErrUserAlreadyExists
		}
	}
	s.state.users[user.ID] = user
	return user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (database.User, error) {
	var user database.User
	err := s.RunReadOnly(ctx, func(tx database.Tx) error {
		var err error
		user, err = tx.GetUserByID(ctx, id)
		return err
	})
	return user, err
}

func (s *Store) ListUsers(ctx context.Context, params database.ListUsersParams) ([]database.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []database.User
	for _, user := range s.state.users {
		if params.Role.IsSet && user.Role != params.Role.Val {
			continue
		}
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b database.User) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.Email, b.Email))
	})

	offset := params.Offset.UnwrapOr(0)
	if offset >= len(users) {
		return nil, nil
	}
	users = users[offset:]
	if params.Limit.IsSet && params.Limit.Val < len(users) {
		users = users[:params.Limit.Val]
	}
	return users, nil
}

func (s *Store) CreateAuditLogEvent(ctx context.Context, params database.CreateAuditLogEventParams) (database.AuditLogEvent, error) {
	var event database.AuditLogEvent
	err := s.RunInTx(ctx, func(tx database.Tx) error {
		var err error
		event, err = tx.CreateAuditLogEvent(ctx, params)
		return err
	})
	return event, err
}

func (s *Store) ListAuditLogEvents(ctx context.Context, params database.ListAuditLogEventsParams) ([]database.AuditLogEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []database.AuditLogEvent
	for _, event := range s.state.auditEvents {
		if params.OwnerID.IsSet && event.OwnerID != params.OwnerID.Val {
			continue
		}
		if params.Type.IsSet && event.Type != params.Type.Val {
			continue
		}
		events = append(events, event)
	}
	if params.OrderByCreatedAt.IsSet && params.OrderByCreatedAt.Val == database.OrderByDESC {
		slices.Reverse(events)
	}
	if params.Limit.IsSet && params.Limit.Val < len(events) {
		events = events[:params.Limit.Val]
	}
	return events, nil
}

// Snapshot is a copy of every user and assignment, ordered by id, for equality checks in tests.
type Snapshot struct {
	Users       []database.User
	Assignments []database.MonitorAssignment
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{
		Users:       slices.Collect(maps.Values(s.state.users)),
		Assignments: slices.Collect(maps.Values(s.state.assignments)),
	}
	slices.SortFunc(snapshot.Users, func(a, b database.User) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	slices.SortFunc(snapshot.Assignments, func(a, b database.MonitorAssignment) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return snapshot
}

type tx struct {
	state    *state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *tx) LockMonitorCapacity(ctx context.Context) error {
	return t.writable()
}

func (t *tx) GetUserByID(ctx context.Context, id uuid.UUID) (database.User, error) {
	user, ok := t.state.users[id]
	if !ok {
		return database.User{}, database.ErrUserNotFound
	}
	return user, nil
}

func (t *tx) GetUserForUpdate(ctx context.Context, id uuid.UUID) (database.User, error) {
	if err := t.writable(); err != nil {
		return database.User{}, err
	}
	return t.GetUserByID(ctx, id)
}

func (t *tx) CountUsersByRole(ctx context.Context, role database.Role) (int, error) {
	count := 0
	for _, user := range t.state.users {
		if user.Role == role {
			count++
		}
	}
	return count, nil
}

func (t *tx) UpdateUserRole(ctx context.Context, id uuid.UUID, role database.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	user, ok := t.state.users[id]
	if !ok {
		return database.ErrUserNotFound
	}
	user.Role = role
	user.UpdatedAt = time.Now().UTC()
	t.state.users[id] = user
	return nil
}

func (t *tx) GetActiveMonitorAssignmentForUpdate(ctx context.Context, userID uuid.UUID) (database.MonitorAssignment, error) {
	if err := t.writable(); err != nil {
		return database.MonitorAssignment{}, err
	}
	for _, assignment := range t.state.assignments {
		if assignment.UserID == userID && assignment.IsActive {
			return assignment, nil
		}
	}
	return database.MonitorAssignment{}, database.ErrMonitorAssignmentNotFound
}

func (t *tx) GetMonitorAssignmentForUpdate(ctx context.Context, id uuid.UUID) (database.MonitorAssignment, error) {
	if err := t.writable(); err != nil {
		return database.MonitorAssignment{}, err
	}
	assignment, ok := t.state.assignments[id]
	if !ok {
		return database.MonitorAssignment{}, database.ErrMonitorAssignmentNotFound
	}
	return assignment, nil
}

func (t *tx) CreateMonitorAssignment(ctx context.Context, params database.CreateMonitorAssignmentParams) (database.MonitorAssignment, error) {
	if err := t.writable(); err != nil {
		return database.MonitorAssignment{}, err
	}
	if _, ok := t.state.users[params.UserID]; !ok {
		return database.MonitorAssignment{}, database.ErrUserNotFound
	}
	if _, ok := t.state.users[params.AssignedBy]; !ok {
		return database.MonitorAssignment{}, database.ErrUserNotFound
	}
	for _, existing := range t.state.assignments {
		if existing.UserID == params.UserID && existing.IsActive {
			return database.MonitorAssignment{}, ErrActiveAssignmentConflict
		}
	}

	now := time.Now().UTC()
	assignment := database.MonitorAssignment{
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
	t.state.assignments[assignment.ID] = assignment
	return assignment, nil
}

func (t *tx) DeactivateMonitorAssignment(ctx context.Context, id uuid.UUID, params database.DeactivateMonitorAssignmentParams) error {
	if err := t.writable(); err != nil {
		return err
	}
	assignment, ok := t.state.assignments[id]
	if !ok || !assignment.IsActive {
		return database.ErrMonitorAssignmentNotFound
	}
	assignment.IsActive = false
	assignment.EndsAt = params.EndsAt.UTC()
	assignment.DeactivatedAt = util.Some(params.DeactivatedAt.UTC())
	assignment.DeactivationReason = util.Some(string(params.Reason))
	assignment.UpdatedAt = time.Now().UTC()
	t.state.assignments[id] = assignment
	return nil
}

func (t *tx) UpdateMonitorAssignmentEndsAt(ctx context.Context, id uuid.UUID, endsAt time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	assignment, ok := t.state.assignments[id]
	if !ok || !assignment.IsActive {
		return database.ErrMonitorAssignmentNotFound
	}
	assignment.EndsAt = endsAt.UTC()
	assignment.UpdatedAt = time.Now().UTC()
	t.state.assignments[id] = assignment
	return nil
}

func (t *tx) ListMonitorAssignments(ctx context.Context, params database.ListMonitorAssignmentsParams) ([]database.MonitorAssignment, error) {
	var assignments []database.MonitorAssignment
	for _, assignment := range t.state.assignments {
		if params.UserID.IsSet && assignment.UserID != params.UserID.Val {
			continue
		}
		if params.IsActive.IsSet && assignment.IsActive != params.IsActive.Val {
			continue
		}
		if params.EndsBefore.IsSet && !assignment.EndsAt.Before(params.EndsBefore.Val) {
			continue
		}
		assignments = append(assignments, assignment)
	}

	if params.OrderByStartsAt.IsSet {
		desc := params.OrderByStartsAt.Val == database.OrderByDESC
		slices.SortFunc(assignments, func(a, b database.MonitorAssignment) int {
			c := cmp.Or(a.StartsAt.Compare(b.StartsAt), a.CreatedAt.Compare(b.CreatedAt))
			if desc {
				return -c
			}
			return c
		})
	}
	if params.Limit.IsSet && params.Limit.Val < len(assignments) {
		assignments = assignments[:params.Limit.Val]
	}
	return assignments, nil
}

func (t *tx) ListActiveMonitors(ctx context.Context) ([]database.ActiveMonitor, error) {
	var monitors []database.ActiveMonitor
	for _, assignment := range t.state.assignments {
		if !assignment.IsActive {
			continue
		}
		user, ok := t.state.users[assignment.UserID]
		if !ok || user.Role != database.RoleMonitor {
			continue
		}
		monitors = append(monitors, database.ActiveMonitor{User: user, Assignment: assignment})
	}
	slices.SortFunc(monitors, func(a, b database.ActiveMonitor) int {
		return a.Assignment.StartsAt.Compare(b.Assignment.StartsAt)
	})
	return monitors, nil
}

func (t *tx) CreateAuditLogEvent(ctx context.Context, params database.CreateAuditLogEventParams) (database.AuditLogEvent, error) {
	if err := t.writable(); err != nil {
		return database.AuditLogEvent{}, err
	}
	event := database.AuditLogEvent{
		ID:        uuid.New(),
		OwnerID:   params.OwnerID,
		Type:      params.EventType,
		Data:      slices.Clone(params.EventData),
		CreatedAt: time.Now().UTC(),
	}
	t.state.auditEvents = append(t.state.auditEvents, event)
	return event, nil
}
