package assignments

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/roles"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

type mockAssignmentRepo struct {
	rows      map[int64]*Assignment
	nextID    int64
	insertErr error
	missFinds int
}

func newMockAssignmentRepo() *mockAssignmentRepo {
	return &mockAssignmentRepo{rows: make(map[int64]*Assignment)}
}

func (m *mockAssignmentRepo) seed(a Assignment) Assignment {
	m.nextID++
	a.ID = m.nextID
	if a.Version == 0 {
		a.Version = 1
	}
	m.rows[a.ID] = &a
	return a
}

func (m *mockAssignmentRepo) FindActive(ctx context.Context, userID, roleID, orgID int64, now time.Time) (Assignment, error) {
	if m.missFinds > 0 {
		m.missFinds--
		return Assignment{}, fmt.Errorf("assignments: %w", shared.ErrNotFound)
	}
	for _, a := range m.rows {
		if a.UserID == userID && a.RoleID == roleID && a.OrgID == orgID && a.Active(now) {
			return *a, nil
		}
	}
	return Assignment{}, fmt.Errorf("assignments: %w", shared.ErrNotFound)
}

func (m *mockAssignmentRepo) Insert(ctx context.Context, a Assignment) (Assignment, error) {
	if m.insertErr != nil {
		err := m.insertErr
		m.insertErr = nil
		return Assignment{}, err
	}
	return m.seed(a), nil
}

func (m *mockAssignmentRepo) UpdateExpiry(ctx context.Context, id, version int64, expiresAt time.Time) (Assignment, error) {
	a, ok := m.rows[id]
	if !ok {
		return Assignment{}, fmt.Errorf("assignments: %w", shared.ErrNotFound)
	}
	if a.Version != version {
		return Assignment{}, fmt.Errorf("assignments: %w", shared.ErrConcurrentModification)
	}
	a.ExpiresAt = &expiresAt
	a.Version++
	return *a, nil
}

func (m *mockAssignmentRepo) MarkRemoved(ctx context.Context, id, version int64, removedAt time.Time, removedBy int64, reason string) error {
	a, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("assignments: %w", shared.ErrNotFound)
	}
	if a.Version != version {
		return fmt.Errorf("assignments: %w", shared.ErrConcurrentModification)
	}
	a.RemovedAt = &removedAt
	a.RemovedBy = &removedBy
	a.RemovedReason = reason
	a.Version++
	return nil
}

func (m *mockAssignmentRepo) ListActive(ctx context.Context, userID, orgID int64, now time.Time) ([]Assignment, error) {
	var out []Assignment
	for _, a := range m.rows {
		if a.UserID == userID && a.OrgID == orgID && a.Active(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAssignmentRepo) ListActiveForUser(ctx context.Context, userID int64, now time.Time) ([]Assignment, error) {
	var out []Assignment
	for _, a := range m.rows {
		if a.UserID == userID && a.Active(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAssignmentRepo) ListActiveForRole(ctx context.Context, roleID, orgID int64, now time.Time) ([]Assignment, error) {
	var out []Assignment
	for _, a := range m.rows {
		if a.RoleID == roleID && a.OrgID == orgID && a.Active(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAssignmentRepo) CountActiveForRole(ctx context.Context, roleID, orgID int64, now time.Time) (int64, error) {
	list, _ := m.ListActiveForRole(ctx, roleID, orgID, now)
	return int64(len(list)), nil
}

func (m *mockAssignmentRepo) RemoveAllForRole(ctx context.Context, roleID, orgID int64, removedAt time.Time, removedBy int64, reason string) (int64, error) {
	var affected int64
	for _, a := range m.rows {
		if a.RoleID == roleID && a.OrgID == orgID && a.Active(removedAt) {
			a.RemovedAt = &removedAt
			a.RemovedBy = &removedBy
			a.RemovedReason = reason
			a.Version++
			affected++
		}
	}
	return affected, nil
}

type mockRolePort struct {
	active map[int64]bool
}

func (m *mockRolePort) ActiveRole(ctx context.Context, roleID, orgID int64) (roles.Role, error) {
	if !m.active[roleID] {
		return roles.Role{}, fmt.Errorf("roles: role %d: %w", roleID, shared.ErrNotFound)
	}
	return roles.Role{ID: roleID, OrgID: orgID, Kind: roles.KindCustom, Active: true}, nil
}

type recordingBus struct {
	published []events.Event
}

func (b *recordingBus) Publish(ctx context.Context, ev events.Event) error {
	b.published = append(b.published, ev)
	return nil
}

func newTestAssignmentService(t *testing.T) (*Service, *mockAssignmentRepo, *recordingBus) {
	t.Helper()
	repo := newMockAssignmentRepo()
	bus := &recordingBus{}
	svc := NewService(repo, &mockRolePort{active: map[int64]bool{5: true}}, bus, nil)
	return svc, repo, bus
}

func TestAssignEmitsAssignedEvent(t *testing.T) {
	svc, _, bus := newTestAssignmentService(t)

	a, err := svc.Assign(context.Background(), AssignInput{UserID: 21, RoleID: 5, OrgID: 7, AssignedBy: 99})
	require.NoError(t, err)
	require.Equal(t, int64(21), a.UserID)
	require.Nil(t, a.ExpiresAt)

	require.Len(t, bus.published, 1)
	require.Equal(t, events.KindUserRoleAssigned, bus.published[0].Kind)
	require.Equal(t, int64(21), bus.published[0].UserID)
}

func TestAssignIsIdempotent(t *testing.T) {
	svc, _, bus := newTestAssignmentService(t)
	ctx := context.Background()

	first, err := svc.Assign(ctx, AssignInput{UserID: 21, RoleID: 5, OrgID: 7, AssignedBy: 99})
	require.NoError(t, err)

	second, err := svc.Assign(ctx, AssignInput{UserID: 21, RoleID: 5, OrgID: 7, AssignedBy: 99})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// Only the first grant emits an event.
	require.Len(t, bus.published, 1)
}

func TestAssignUnknownRole(t *testing.T) {
	svc, _, _ := newTestAssignmentService(t)

	_, err := svc.Assign(context.Background(), AssignInput{UserID: 21, RoleID: 404, OrgID: 7})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAssignSurvivesInsertRace(t *testing.T) {
	svc, repo, _ := newTestAssignmentService(t)

	// A concurrent grant wins between the existence check and the insert:
	// the first FindActive misses, the insert hits the unique index, and the
	// re-read must land on the winner's row.
	winner := repo.seed(Assignment{UserID: 21, RoleID: 5, OrgID: 7, AssignedAt: time.Now().UTC()})
	repo.missFinds = 1
	repo.insertErr = fmt.Errorf("assignments: %w", shared.ErrConcurrentModification)

	got, err := svc.Assign(context.Background(), AssignInput{UserID: 21, RoleID: 5, OrgID: 7})
	require.NoError(t, err)
	require.Equal(t, winner.ID, got.ID)
}

func TestAssignWithExpiry(t *testing.T) {
	svc, _, _ := newTestAssignmentService(t)
	expires := time.Now().UTC().Add(48 * time.Hour)

	a, err := svc.Assign(context.Background(), AssignInput{UserID: 21, RoleID: 5, OrgID: 7, ExpiresAt: &expires})
	require.NoError(t, err)
	require.NotNil(t, a.ExpiresAt)
	require.True(t, a.Temporary())
}

func TestExpiredAssignmentIsNotActive(t *testing.T) {
	svc, repo, _ := newTestAssignmentService(t)
	past := time.Now().UTC().Add(-time.Hour)
	repo.seed(Assignment{UserID: 21, RoleID: 5, OrgID: 7, ExpiresAt: &past})

	list, err := svc.ListActive(context.Background(), 21, 7)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestExtendRequiresFutureExpiry(t *testing.T) {
	svc, _, _ := newTestAssignmentService(t)

	_, err := svc.Extend(context.Background(), 21, 5, 7, time.Now().UTC().Add(-time.Minute))
	require.Error(t, err)
}

func TestExtendNotAssigned(t *testing.T) {
	svc, _, _ := newTestAssignmentService(t)

	_, err := svc.Extend(context.Background(), 21, 5, 7, time.Now().UTC().Add(time.Hour))
	require.ErrorIs(t, err, shared.ErrNotAssigned)
}

func TestExtendExpiredAssignmentNotAssigned(t *testing.T) {
	svc, repo, _ := newTestAssignmentService(t)
	past := time.Now().UTC().Add(-time.Hour)
	repo.seed(Assignment{UserID: 21, RoleID: 5, OrgID: 7, ExpiresAt: &past})

	// The grant lapsed, so the extension must re-grant, not resurrect.
	_, err := svc.Extend(context.Background(), 21, 5, 7, time.Now().UTC().Add(time.Hour))
	require.ErrorIs(t, err, shared.ErrNotAssigned)
}

func TestExtendMovesExpiryAndEmitsEvent(t *testing.T) {
	svc, repo, bus := newTestAssignmentService(t)
	soon := time.Now().UTC().Add(time.Hour)
	repo.seed(Assignment{UserID: 21, RoleID: 5, OrgID: 7, ExpiresAt: &soon})

	later := time.Now().UTC().Add(72 * time.Hour)
	extended, err := svc.Extend(context.Background(), 21, 5, 7, later)
	require.NoError(t, err)
	require.WithinDuration(t, later, *extended.ExpiresAt, time.Second)

	require.Len(t, bus.published, 1)
	require.Equal(t, events.KindUserRoleAssigned, bus.published[0].Kind)
}

func TestRemoveEmitsRemovedEvent(t *testing.T) {
	svc, repo, bus := newTestAssignmentService(t)
	repo.seed(Assignment{UserID: 21, RoleID: 5, OrgID: 7})

	err := svc.Remove(context.Background(), 21, 5, 7, 99, "offboarding")
	require.NoError(t, err)

	list, err := svc.ListActive(context.Background(), 21, 7)
	require.NoError(t, err)
	require.Empty(t, list)

	require.Len(t, bus.published, 1)
	require.Equal(t, events.KindUserRoleRemoved, bus.published[0].Kind)
	require.Equal(t, int64(99), bus.published[0].ActorID)
}

func TestRemoveNotAssigned(t *testing.T) {
	svc, _, _ := newTestAssignmentService(t)

	err := svc.Remove(context.Background(), 21, 5, 7, 99, "")
	require.ErrorIs(t, err, shared.ErrNotAssigned)
}

func TestRemoveAllForRoleEmitsPerUserEvents(t *testing.T) {
	svc, repo, bus := newTestAssignmentService(t)
	repo.seed(Assignment{UserID: 21, RoleID: 5, OrgID: 7})
	repo.seed(Assignment{UserID: 22, RoleID: 5, OrgID: 7})
	repo.seed(Assignment{UserID: 23, RoleID: 6, OrgID: 7})

	affected, err := svc.RemoveAllForRole(context.Background(), 5, 7, 99, shared.ReasonRoleDeleted)
	require.NoError(t, err)
	require.Equal(t, int64(2), affected)

	require.Len(t, bus.published, 2)
	for _, ev := range bus.published {
		require.Equal(t, events.KindUserRoleRemoved, ev.Kind)
		require.Equal(t, int64(5), ev.RoleID)
	}

	// The untouched role keeps its holder.
	count, err := svc.CountActiveForRole(context.Background(), 6, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestActivePredicate(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	require.True(t, Assignment{}.Active(now))
	require.True(t, Assignment{ExpiresAt: &future}.Active(now))
	require.False(t, Assignment{ExpiresAt: &past}.Active(now))
	require.False(t, Assignment{ExpiresAt: &now}.Active(now))
	require.False(t, Assignment{RemovedAt: &past}.Active(now))
}
