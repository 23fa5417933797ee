package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freekieb7/stockroom/internal/audit"
	"github.com/freekieb7/stockroom/internal/database"
	"github.com/freekieb7/stockroom/internal/database/memory"
	"github.com/freekieb7/stockroom/internal/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	manager Manager
	store   *memory.Store
	clock   *testClock
	admin   database.User
}

func newFixture(t *testing.T, store Store, mem *memory.Store) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := audit.NewAuditor(logger)
	clock := newTestClock()

	f := &fixture{
		manager: NewManager(logger, store, &auditor, nil, Config{Now: clock.Now}),
		store:   mem,
		clock:   clock,
	}
	f.admin = f.createUser(t, database.RoleAdmin)
	return f
}

func newMemoryFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	return newFixture(t, store, store)
}

func (f *fixture) createUser(t *testing.T, role database.Role) database.User {
	t.Helper()
	user, err := f.store.CreateUser(context.Background(), database.CreateUserParams{
		Name:  "User " + uuid.NewString()[:8],
		Email: uuid.NewString() + "@stockroom.test",
		Role:  role,
	})
	require.NoError(t, err)
	return user
}

func (f *fixture) assign(t *testing.T, userID uuid.UUID, d time.Duration) Assignment {
	t.Helper()
	assignment, err := f.manager.AssignMonitor(context.Background(), userID, f.admin.ID, f.clock.Now().Add(d))
	require.NoError(t, err)
	return assignment
}

func (f *fixture) role(t *testing.T, userID uuid.UUID) database.Role {
	t.Helper()
	user, err := f.store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	return user.Role
}

func TestManager_AssignMonitor(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	employee := f.createUser(t, database.RoleEmployee)
	endsAt := f.clock.Now().Add(30 * 24 * time.Hour)

	assignment, err := f.manager.AssignMonitor(ctx, employee.ID, f.admin.ID, endsAt)
	require.NoError(t, err)

	assert.Equal(t, employee.ID, assignment.UserID)
	assert.Equal(t, f.admin.ID, assignment.AssignedBy)
	assert.Equal(t, f.clock.Now(), assignment.StartsAt)
	assert.Equal(t, endsAt, assignment.EndsAt)
	assert.True(t, assignment.IsActive)
	assert.False(t, assignment.DeactivatedAt.IsSet)
	assert.Equal(t, database.RoleMonitor, f.role(t, employee.ID))

	count, err := f.manager.CountActiveMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	events, err := f.store.ListAuditLogEvents(ctx, database.ListAuditLogEventsParams{
		OwnerID: util.Some(f.admin.ID),
		Type:    util.Some(string(audit.AuditLogEventTypeMonitorAssign)),
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestManager_AssignMonitor_CapacityExceeded(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	for range DefaultCapacity {
		f.assign(t, f.createUser(t, database.RoleEmployee).ID, 24*time.Hour)
	}
	fifth := f.createUser(t, database.RoleEmployee)
	before := f.store.Snapshot()

	_, err := f.manager.AssignMonitor(ctx, fifth.ID, f.admin.ID, f.clock.Now().Add(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, CodeCapacityExceeded, CodeOf(err))

	assert.Equal(t, before, f.store.Snapshot())
	assert.Equal(t, database.RoleEmployee, f.role(t, fifth.ID))

	count, err := f.manager.CountActiveMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, count)
}

func TestManager_AssignMonitor_CustomCapacity(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := audit.NewAuditor(logger)
	manager := NewManager(logger, store, &auditor, nil, Config{Capacity: 1})
	assert.Equal(t, 1, manager.Capacity())

	admin, err := store.CreateUser(context.Background(), database.CreateUserParams{Name: "Admin", Email: "admin@stockroom.test", Role: database.RoleAdmin})
	require.NoError(t, err)
	first, err := store.CreateUser(context.Background(), database.CreateUserParams{Name: "First", Email: "first@stockroom.test", Role: database.RoleEmployee})
	require.NoError(t, err)
	second, err := store.CreateUser(context.Background(), database.CreateUserParams{Name: "Second", Email: "second@stockroom.test", Role: database.RoleEmployee})
	require.NoError(t, err)

	_, err = manager.AssignMonitor(context.Background(), first.ID, admin.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = manager.AssignMonitor(context.Background(), second.ID, admin.ID, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestManager_AssignMonitor_Concurrent(t *testing.T) {
	f := newMemoryFixture(t)
	f.assign(t, f.createUser(t, database.RoleEmployee).ID, 24*time.Hour)

	const attempts = 10
	candidates := make([]database.User, attempts)
	for i := range candidates {
		candidates[i] = f.createUser(t, database.RoleEmployee)
	}

	var succeeded, rejected atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, candidate := range candidates {
		wg.Add(1)
		go func(userID uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := f.manager.AssignMonitor(context.Background(), userID, f.admin.ID, f.clock.Now().Add(time.Hour))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(candidate.ID)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 3, succeeded.Load())
	assert.EqualValues(t, attempts-3, rejected.Load())

	count, err := f.manager.CountActiveMonitors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, count)

	monitors, err := f.manager.GetActiveMonitors(context.Background())
	require.NoError(t, err)
	assert.Len(t, monitors, DefaultCapacity)
}

func TestManager_SweepConcurrentWithAssignAndRevoke(t *testing.T) {
	for range 20 {
		f := newMemoryFixture(t)
		expired := make([]database.User, DefaultCapacity)
		for i := range expired {
			expired[i] = f.createUser(t, database.RoleEmployee)
			f.assign(t, expired[i].ID, time.Hour)
		}
		newcomer := f.createUser(t, database.RoleEmployee)
		f.clock.Advance(2 * time.Hour)

		ctx := context.Background()
		var wg sync.WaitGroup
		start := make(chan struct{})

		sweeps := make([][]Monitor, 3)
		for i := range sweeps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				swept, err := f.manager.SweepExpiredAssignments(ctx, time.Time{})
				assert.NoError(t, err)
				sweeps[i] = swept
			}()
		}

		var revokeErr, assignErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			revokeErr = f.manager.RevokeMonitor(ctx, expired[0].ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, assignErr = f.manager.AssignMonitor(ctx, newcomer.ID, f.admin.ID, f.clock.Now().Add(time.Hour))
		}()
		close(start)
		wg.Wait()

		seen := make(map[uuid.UUID]int)
		for _, swept := range sweeps {
			for _, m := range swept {
				seen[m.UserID]++
			}
		}
		for _, u := range expired[1:] {
			assert.Equal(t, 1, seen[u.ID], "user %s swept once", u.ID)
		}
		// The revoked monitor is swept only when the sweep got there first.
		switch {
		case revokeErr == nil:
			assert.Zero(t, seen[expired[0].ID])
		case errors.Is(revokeErr, ErrNotAMonitor):
			assert.Equal(t, 1, seen[expired[0].ID])
		default:
			t.Fatalf("unexpected revoke error: %v", revokeErr)
		}
		assert.NotContains(t, seen, newcomer.ID)

		if assignErr != nil {
			require.ErrorIs(t, assignErr, ErrCapacityExceeded)
		}

		snapshot := f.store.Snapshot()
		monitors := 0
		for _, u := range snapshot.Users {
			if u.Role == database.RoleMonitor {
				monitors++
			}
		}
		active := 0
		for _, a := range snapshot.Assignments {
			if a.IsActive {
				active++
			}
		}
		assert.Equal(t, active, monitors)
		assert.LessOrEqual(t, monitors, DefaultCapacity)
		if assignErr == nil {
			assert.Equal(t, 1, monitors)
			assert.Equal(t, database.RoleMonitor, f.role(t, newcomer.ID))
		} else {
			assert.Zero(t, monitors)
		}
	}
}

func TestManager_AssignMonitor_Rejections(t *testing.T) {
	f := newMemoryFixture(t)
	employee := f.createUser(t, database.RoleEmployee)
	otherEmployee := f.createUser(t, database.RoleEmployee)
	otherAdmin := f.createUser(t, database.RoleAdmin)
	monitor := f.createUser(t, database.RoleEmployee)
	f.assign(t, monitor.ID, time.Hour)

	tests := []struct {
		name       string
		userID     uuid.UUID
		assignedBy uuid.UUID
		endsAt     time.Time
		want       error
	}{
		{"unknown user", uuid.New(), f.admin.ID, f.clock.Now().Add(time.Hour), ErrNotFound},
		{"unknown assigner", employee.ID, uuid.New(), f.clock.Now().Add(time.Hour), ErrNotFound},
		{"assigner is not an admin", employee.ID, otherEmployee.ID, f.clock.Now().Add(time.Hour), ErrForbidden},
		{"target is an admin", otherAdmin.ID, f.admin.ID, f.clock.Now().Add(time.Hour), ErrInvalidRoleTransition},
		{"target is already a monitor", monitor.ID, f.admin.ID, f.clock.Now().Add(time.Hour), ErrInvalidRoleTransition},
		{"end in the past", employee.ID, f.admin.ID, f.clock.Now().Add(-time.Minute), ErrInvalidInput},
		{"end is now", employee.ID, f.admin.ID, f.clock.Now(), ErrInvalidInput},
		{"nil user", uuid.Nil, f.admin.ID, f.clock.Now().Add(time.Hour), ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.store.Snapshot()

			_, err := f.manager.AssignMonitor(context.Background(), tt.userID, tt.assignedBy, tt.endsAt)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, f.store.Snapshot())
		})
	}
}

func TestManager_RevokeMonitor(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	employee := f.createUser(t, database.RoleEmployee)
	assignment := f.assign(t, employee.ID, 7*24*time.Hour)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.manager.RevokeMonitor(ctx, employee.ID))
	assert.Equal(t, database.RoleEmployee, f.role(t, employee.ID))

	history, err := f.manager.ListAssignmentHistory(ctx, employee.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, assignment.ID, history[0].ID)
	assert.False(t, history[0].IsActive)
	assert.Equal(t, f.clock.Now(), history[0].EndsAt)
	assert.Equal(t, util.Some(f.clock.Now()), history[0].DeactivatedAt)
	assert.Equal(t, util.Some(string(database.DeactivationReasonRevoked)), history[0].DeactivationReason)

	before := f.store.Snapshot()
	err = f.manager.RevokeMonitor(ctx, employee.ID)
	assert.ErrorIs(t, err, ErrNotAMonitor)
	assert.True(t, IsBenign(err))
	assert.Equal(t, before, f.store.Snapshot())
}

func TestManager_RevokeMonitor_Errors(t *testing.T) {
	f := newMemoryFixture(t)

	err := f.manager.RevokeMonitor(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	employee := f.createUser(t, database.RoleEmployee)
	err = f.manager.RevokeMonitor(context.Background(), employee.ID)
	assert.ErrorIs(t, err, ErrNotAMonitor)

	err = f.manager.RevokeMonitor(context.Background(), f.admin.ID)
	assert.ErrorIs(t, err, ErrNotAMonitor)
	assert.Equal(t, database.RoleAdmin, f.role(t, f.admin.ID))
}

func TestManager_RevokeMonitor_RoleWithoutAssignment(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	employee := f.createUser(t, database.RoleEmployee)

	require.NoError(t, f.store.RunInTx(ctx, func(tx database.Tx) error {
		return tx.UpdateUserRole(ctx, employee.ID, database.RoleMonitor)
	}))

	require.NoError(t, f.manager.RevokeMonitor(ctx, employee.ID))
	assert.Equal(t, database.RoleEmployee, f.role(t, employee.ID))
}

func TestManager_RevokeThenAssign_CreatesFreshAssignment(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	employee := f.createUser(t, database.RoleEmployee)

	first := f.assign(t, employee.ID, 24*time.Hour)
	f.clock.Advance(time.Hour)
	require.NoError(t, f.manager.RevokeMonitor(ctx, employee.ID))
	f.clock.Advance(time.Hour)
	second := f.assign(t, employee.ID, 24*time.Hour)

	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.StartsAt.After(first.StartsAt))

	history, err := f.manager.ListAssignmentHistory(ctx, employee.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.True(t, history[0].IsActive)
	assert.Equal(t, first.ID, history[1].ID)
	assert.False(t, history[1].IsActive)
}

func TestManager_SweepExpiredAssignments(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	yearly := f.createUser(t, database.RoleEmployee)
	longer := f.createUser(t, database.RoleEmployee)

	f.assign(t, yearly.ID, 365*24*time.Hour)
	f.assign(t, longer.ID, 400*24*time.Hour)

	asOf := f.clock.Now().Add(366 * 24 * time.Hour)
	swept, err := f.manager.SweepExpiredAssignments(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, yearly.ID, swept[0].UserID)
	assert.Equal(t, util.Some(string(database.DeactivationReasonExpired)), swept[0].Assignment.DeactivationReason)

	assert.Equal(t, database.RoleEmployee, f.role(t, yearly.ID))
	assert.Equal(t, database.RoleMonitor, f.role(t, longer.ID))

	before := f.store.Snapshot()
	swept, err = f.manager.SweepExpiredAssignments(ctx, asOf)
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.Equal(t, before, f.store.Snapshot())

	count, err := f.manager.CountActiveMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_SweepExpiredAssignments_FreesCapacity(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	for range DefaultCapacity {
		f.assign(t, f.createUser(t, database.RoleEmployee).ID, time.Hour)
	}
	waiting := f.createUser(t, database.RoleEmployee)

	_, err := f.manager.AssignMonitor(ctx, waiting.ID, f.admin.ID, f.clock.Now().Add(2*time.Hour))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	f.clock.Advance(2 * time.Hour)
	swept, err := f.manager.SweepExpiredAssignments(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, swept, DefaultCapacity)

	f.assign(t, waiting.ID, time.Hour)
}

func TestManager_ExtendMonitor(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	employee := f.createUser(t, database.RoleEmployee)
	assignment := f.assign(t, employee.ID, time.Hour)

	newEnd := f.clock.Now().Add(48 * time.Hour)
	extended, err := f.manager.ExtendMonitor(ctx, employee.ID, newEnd)
	require.NoError(t, err)
	assert.Equal(t, assignment.ID, extended.ID)
	assert.Equal(t, newEnd, extended.EndsAt)

	// No longer expired at the original end.
	swept, err := f.manager.SweepExpiredAssignments(ctx, f.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, swept)

	_, err = f.manager.ExtendMonitor(ctx, employee.ID, f.clock.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, ErrInvalidInput)

	other := f.createUser(t, database.RoleEmployee)
	_, err = f.manager.ExtendMonitor(ctx, other.ID, newEnd)
	assert.ErrorIs(t, err, ErrNotAMonitor)

	_, err = f.manager.ExtendMonitor(ctx, uuid.New(), newEnd)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ListAssignmentHistory_UnknownUser(t *testing.T) {
	f := newMemoryFixture(t)

	_, err := f.manager.ListAssignmentHistory(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// flakyStore fails the first failures read-only units of work.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	reads    atomic.Int32
}

func (s *flakyStore) RunReadOnly(ctx context.Context, fn func(tx database.Tx) error) error {
	s.reads.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.Store.RunReadOnly(ctx, fn)
}

func TestManager_Reads_RetryOnce(t *testing.T) {
	mem := memory.New()
	store := &flakyStore{Store: mem}
	f := newFixture(t, store, mem)
	f.assign(t, f.createUser(t, database.RoleEmployee).ID, time.Hour)

	store.failures.Store(1)
	monitors, err := f.manager.GetActiveMonitors(context.Background())
	require.NoError(t, err)
	assert.Len(t, monitors, 1)
	assert.EqualValues(t, 2, store.reads.Load())

	store.reads.Store(0)
	store.failures.Store(2)
	_, err = f.manager.CountActiveMonitors(context.Background())
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.EqualValues(t, 2, store.reads.Load())
}

func TestManager_Reads_NoRetryWhenCancelled(t *testing.T) {
	mem := memory.New()
	store := &flakyStore{Store: mem}
	f := newFixture(t, store, mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.CountActiveMonitors(ctx)
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, store.reads.Load())
}

func TestManager_Mutations_CancelledContext(t *testing.T) {
	f := newMemoryFixture(t)
	employee := f.createUser(t, database.RoleEmployee)
	before := f.store.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.AssignMonitor(ctx, employee.ID, f.admin.ID, f.clock.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Equal(t, before, f.store.Snapshot())
}
