package roles

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/catalog"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

type mockRoleRepo struct {
	roles  map[int64]*Role
	nextID int64
}

func newMockRoleRepo() *mockRoleRepo {
	return &mockRoleRepo{roles: make(map[int64]*Role), nextID: 0}
}

func (m *mockRoleRepo) seed(role Role) Role {
	m.nextID++
	role.ID = m.nextID
	if role.Version == 0 {
		role.Version = 1
	}
	m.roles[role.ID] = &role
	return role
}

func (m *mockRoleRepo) GetRole(ctx context.Context, roleID, orgID int64) (Role, error) {
	r, ok := m.roles[roleID]
	if !ok || (r.OrgID != 0 && r.OrgID != orgID) {
		return Role{}, fmt.Errorf("roles: role %d: %w", roleID, shared.ErrNotFound)
	}
	return *r, nil
}

func (m *mockRoleRepo) ListRoles(ctx context.Context, orgID int64) ([]Role, error) {
	var out []Role
	for _, r := range m.roles {
		if r.Active && (r.OrgID == 0 || r.OrgID == orgID) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockRoleRepo) FindActiveByName(ctx context.Context, orgID int64, canonicalName string) (Role, error) {
	for _, r := range m.roles {
		if r.Active && (r.OrgID == 0 || r.OrgID == orgID) && CanonicalName(r.Name) == canonicalName {
			return *r, nil
		}
	}
	return Role{}, fmt.Errorf("roles: name %q: %w", canonicalName, shared.ErrNotFound)
}

func (m *mockRoleRepo) CountCustom(ctx context.Context, orgID int64) (int64, error) {
	var count int64
	for _, r := range m.roles {
		if r.Active && r.OrgID == orgID && r.Kind == KindCustom {
			count++
		}
	}
	return count, nil
}

func (m *mockRoleRepo) CreateRole(ctx context.Context, role Role) (Role, error) {
	return m.seed(role), nil
}

func (m *mockRoleRepo) UpdateRolePermissions(ctx context.Context, role Role) (Role, error) {
	current, ok := m.roles[role.ID]
	if !ok {
		return Role{}, fmt.Errorf("roles: role %d: %w", role.ID, shared.ErrNotFound)
	}
	if current.Version != role.Version {
		return Role{}, fmt.Errorf("roles: role %d: %w", role.ID, shared.ErrConcurrentModification)
	}
	role.Version++
	m.roles[role.ID] = &role
	return role, nil
}

func (m *mockRoleRepo) DeactivateRole(ctx context.Context, roleID, orgID, version, deactivatedBy int64) error {
	current, ok := m.roles[roleID]
	if !ok {
		return fmt.Errorf("roles: role %d: %w", roleID, shared.ErrNotFound)
	}
	if current.Version != version {
		return fmt.Errorf("roles: role %d: %w", roleID, shared.ErrConcurrentModification)
	}
	current.Active = false
	current.Version++
	current.UpdatedBy = deactivatedBy
	return nil
}

type mockCatalogPort struct {
	known map[int64]catalog.Permission
}

func (m *mockCatalogPort) ResolveIDs(ctx context.Context, ids []int64) ([]catalog.Permission, error) {
	perms := make([]catalog.Permission, 0, len(ids))
	for _, id := range ids {
		p, ok := m.known[id]
		if !ok {
			return nil, fmt.Errorf("catalog: permission %d: %w", id, shared.ErrUnknownPermission)
		}
		perms = append(perms, p)
	}
	return perms, nil
}

type mockCascade struct {
	removedRole int64
	affected    int64
	err         error
}

func (m *mockCascade) RemoveAllForRole(ctx context.Context, roleID, orgID, removedBy int64, reason string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.removedRole = roleID
	return m.affected, nil
}

func (m *mockCascade) CountActiveForRole(ctx context.Context, roleID, orgID int64) (int64, error) {
	return m.affected, nil
}

type recordingBus struct {
	published []events.Event
}

func (b *recordingBus) Publish(ctx context.Context, ev events.Event) error {
	b.published = append(b.published, ev)
	return nil
}

func newTestRoleService(t *testing.T) (*Service, *mockRoleRepo, *mockCascade, *recordingBus) {
	t.Helper()
	repo := newMockRoleRepo()
	cat := &mockCatalogPort{known: map[int64]catalog.Permission{
		1: {ID: 1, Resource: "PAYMENTS", Action: "READ", Active: true},
		2: {ID: 2, Resource: "PAYMENTS", Action: "WRITE", Active: true},
		3: {ID: 3, Resource: "INVOICES", Action: "READ", Active: true},
	}}
	cascade := &mockCascade{}
	bus := &recordingBus{}
	svc := NewService(repo, cat, cascade, bus, 0, nil)
	return svc, repo, cascade, bus
}

func TestCreateRoleEmitsCreatedEvent(t *testing.T) {
	svc, _, _, bus := newTestRoleService(t)
	ctx := shared.ContextWithActor(context.Background(), 99)

	role, err := svc.CreateRole(ctx, CreateRoleInput{
		OrgID:         7,
		Name:          "Billing Viewer",
		PermissionIDs: []int64{1, 3},
	})
	require.NoError(t, err)
	require.Equal(t, KindCustom, role.Kind)
	require.True(t, role.Active)
	require.Equal(t, int64(99), role.CreatedBy)

	require.Len(t, bus.published, 1)
	require.Equal(t, events.KindRoleCreated, bus.published[0].Kind)
	require.Equal(t, role.ID, bus.published[0].RoleID)
	require.Equal(t, int64(7), bus.published[0].OrgID)
}

func TestCreateRoleRejectsBlankName(t *testing.T) {
	svc, _, _, _ := newTestRoleService(t)

	_, err := svc.CreateRole(context.Background(), CreateRoleInput{OrgID: 7, Name: "   ", PermissionIDs: []int64{1}})
	require.Error(t, err)
}

func TestCreateRoleRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	svc, _, _, _ := newTestRoleService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, CreateRoleInput{OrgID: 7, Name: "Support", PermissionIDs: []int64{1}})
	require.NoError(t, err)

	_, err = svc.CreateRole(ctx, CreateRoleInput{OrgID: 7, Name: "  sUpPoRt ", PermissionIDs: []int64{1}})
	require.ErrorIs(t, err, shared.ErrDuplicateName)
}

func TestCreateRoleSameNameDifferentOrg(t *testing.T) {
	svc, _, _, _ := newTestRoleService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, CreateRoleInput{OrgID: 7, Name: "Support", PermissionIDs: []int64{1}})
	require.NoError(t, err)

	_, err = svc.CreateRole(ctx, CreateRoleInput{OrgID: 8, Name: "Support", PermissionIDs: []int64{1}})
	require.NoError(t, err)
}

func TestCreateRoleEnforcesCustomRoleCap(t *testing.T) {
	repo := newMockRoleRepo()
	cat := &mockCatalogPort{known: map[int64]catalog.Permission{1: {ID: 1, Resource: "PAYMENTS", Action: "READ", Active: true}}}
	bus := &recordingBus{}
	svc := NewService(repo, cat, &mockCascade{}, bus, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CreateRole(ctx, CreateRoleInput{OrgID: 7, Name: fmt.Sprintf("role-%d", i), PermissionIDs: []int64{1}})
		require.NoError(t, err)
	}

	_, err := svc.CreateRole(ctx, CreateRoleInput{OrgID: 7, Name: "one-too-many", PermissionIDs: []int64{1}})
	require.ErrorIs(t, err, shared.ErrRoleLimitExceeded)

	// Another organization is unaffected by the cap.
	_, err = svc.CreateRole(ctx, CreateRoleInput{OrgID: 8, Name: "fresh-org-role", PermissionIDs: []int64{1}})
	require.NoError(t, err)
}

func TestCreateRoleRejectsUnknownPermission(t *testing.T) {
	svc, _, _, bus := newTestRoleService(t)

	_, err := svc.CreateRole(context.Background(), CreateRoleInput{OrgID: 7, Name: "Ghost", PermissionIDs: []int64{1, 999}})
	require.ErrorIs(t, err, shared.ErrUnknownPermission)
	require.Empty(t, bus.published)
}

func TestUpdateRolePermissionsEmitsModifiedEvent(t *testing.T) {
	svc, repo, _, bus := newTestRoleService(t)
	role := repo.seed(Role{OrgID: 7, Name: "Support", Kind: KindCustom, Active: true, PermissionIDs: []int64{1}})

	updated, err := svc.UpdateRolePermissions(context.Background(), role.ID, 7, []int64{1, 2})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, updated.PermissionIDs)

	require.Len(t, bus.published, 1)
	require.Equal(t, events.KindRoleModified, bus.published[0].Kind)
}

func TestUpdatePredefinedRoleIsImmutable(t *testing.T) {
	svc, repo, _, _ := newTestRoleService(t)
	role := repo.seed(Role{OrgID: 0, Name: RoleAdmin, Kind: KindPredefined, Active: true, PermissionIDs: []int64{1, 2}})

	_, err := svc.UpdateRolePermissions(context.Background(), role.ID, 7, []int64{1})
	require.ErrorIs(t, err, shared.ErrImmutableRole)
}

func TestUpdateInactiveRoleNotFound(t *testing.T) {
	svc, repo, _, _ := newTestRoleService(t)
	role := repo.seed(Role{OrgID: 7, Name: "Retired", Kind: KindCustom, Active: false, PermissionIDs: []int64{1}})

	_, err := svc.UpdateRolePermissions(context.Background(), role.ID, 7, []int64{1})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateRoleVersionConflict(t *testing.T) {
	svc, repo, _, _ := newTestRoleService(t)
	role := repo.seed(Role{OrgID: 7, Name: "Support", Kind: KindCustom, Active: true, PermissionIDs: []int64{1}})

	// A concurrent writer bumps the stored version between read and write.
	repo.roles[role.ID].Version = role.Version + 1

	_, err := svc.UpdateRolePermissions(context.Background(), role.ID, 7, []int64{2})
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
}

func TestDeleteRoleCascadesAndReportsAffectedUsers(t *testing.T) {
	svc, repo, cascade, bus := newTestRoleService(t)
	cascade.affected = 3
	role := repo.seed(Role{OrgID: 7, Name: "Doomed", Kind: KindCustom, Active: true, PermissionIDs: []int64{1}})

	err := svc.DeleteRole(shared.ContextWithActor(context.Background(), 99), role.ID, 7)
	require.NoError(t, err)
	require.Equal(t, role.ID, cascade.removedRole)
	require.False(t, repo.roles[role.ID].Active)

	require.Len(t, bus.published, 1)
	require.Equal(t, events.KindRoleDeleted, bus.published[0].Kind)
	require.Equal(t, int64(3), bus.published[0].AffectedUsers)
}

func TestDeleteRoleRetriesAfterCascadeFailure(t *testing.T) {
	svc, repo, cascade, bus := newTestRoleService(t)
	cascade.err = errors.New("assignment store down")
	role := repo.seed(Role{OrgID: 7, Name: "Doomed", Kind: KindCustom, Active: true, PermissionIDs: []int64{1}})
	ctx := shared.ContextWithActor(context.Background(), 99)

	// The failed attempt leaves the role active and emits nothing, so the
	// caller can retry instead of being stuck behind a NotFound.
	require.Error(t, svc.DeleteRole(ctx, role.ID, 7))
	require.True(t, repo.roles[role.ID].Active)
	require.Empty(t, bus.published)

	cascade.err = nil
	cascade.affected = 2
	require.NoError(t, svc.DeleteRole(ctx, role.ID, 7))
	require.False(t, repo.roles[role.ID].Active)
	require.Len(t, bus.published, 1)
	require.Equal(t, events.KindRoleDeleted, bus.published[0].Kind)
}

func TestDeletePredefinedRoleIsImmutable(t *testing.T) {
	svc, repo, _, _ := newTestRoleService(t)
	role := repo.seed(Role{OrgID: 0, Name: RoleViewer, Kind: KindPredefined, Active: true})

	err := svc.DeleteRole(context.Background(), role.ID, 7)
	require.ErrorIs(t, err, shared.ErrImmutableRole)
}

func TestDeleteRoleTwiceNotFound(t *testing.T) {
	svc, repo, _, _ := newTestRoleService(t)
	role := repo.seed(Role{OrgID: 7, Name: "Doomed", Kind: KindCustom, Active: true})
	ctx := context.Background()

	require.NoError(t, svc.DeleteRole(ctx, role.ID, 7))
	err := svc.DeleteRole(ctx, role.ID, 7)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestActiveRoleRejectsDeactivated(t *testing.T) {
	svc, repo, _, _ := newTestRoleService(t)
	role := repo.seed(Role{OrgID: 7, Name: "Retired", Kind: KindCustom, Active: false})

	_, err := svc.ActiveRole(context.Background(), role.ID, 7)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRoleStatsSplitsKinds(t *testing.T) {
	svc, repo, _, _ := newTestRoleService(t)
	repo.seed(Role{OrgID: 0, Name: RoleOwner, Kind: KindPredefined, Active: true})
	repo.seed(Role{OrgID: 0, Name: RoleAdmin, Kind: KindPredefined, Active: true})
	repo.seed(Role{OrgID: 7, Name: "Support", Kind: KindCustom, Active: true})

	stats, err := svc.RoleStats(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 3, Custom: 1, Predefined: 2}, stats)
}

func TestCanonicalNameFoldsCase(t *testing.T) {
	require.Equal(t, CanonicalName("Straße"), CanonicalName("STRASSE"))
	require.Equal(t, CanonicalName(" Support "), CanonicalName("support"))
}

func TestCreatedRolesGetDistinctTimestamps(t *testing.T) {
	svc, _, _, _ := newTestRoleService(t)
	ctx := context.Background()

	first, err := svc.CreateRole(ctx, CreateRoleInput{OrgID: 7, Name: "a", PermissionIDs: []int64{1}})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), first.CreatedAt, time.Minute)
}
