package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/catalog"
	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// DefaultCustomRoleLimit caps custom roles per organization unless configured.
const DefaultCustomRoleLimit = 50

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	GetRole(ctx context.Context, roleID, orgID int64) (Role, error)
	ListRoles(ctx context.Context, orgID int64) ([]Role, error)
	FindActiveByName(ctx context.Context, orgID int64, canonicalName string) (Role, error)
	CountCustom(ctx context.Context, orgID int64) (int64, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRolePermissions(ctx context.Context, role Role) (Role, error)
	DeactivateRole(ctx context.Context, roleID, orgID, version, deactivatedBy int64) error
}

// CatalogPort resolves permission references against the catalog.
type CatalogPort interface {
	ResolveIDs(ctx context.Context, ids []int64) ([]catalog.Permission, error)
}

// CascadePort deactivates assignments when their role is deleted.
type CascadePort interface {
	RemoveAllForRole(ctx context.Context, roleID, orgID, removedBy int64, reason string) (int64, error)
	CountActiveForRole(ctx context.Context, roleID, orgID int64) (int64, error)
}

// Service is the role store. Every mutation emits its event synchronously
// before returning, which is what drives cache invalidation.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	cascade CascadePort
	bus     events.Publisher
	limit   int64
	logger  *slog.Logger
}

// NewService builds a role Service. limit <= 0 selects the default cap.
func NewService(repo RepositoryPort, cat CatalogPort, cascade CascadePort, bus events.Publisher, limit int64, logger *slog.Logger) *Service {
	if limit <= 0 {
		limit = DefaultCustomRoleLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, catalog: cat, cascade: cascade, bus: bus, limit: limit, logger: logger}
}

// CreateRoleInput describes a custom role creation payload.
type CreateRoleInput struct {
	OrgID         int64
	Name          string
	Description   string
	PermissionIDs []int64
}

// CreateRole creates a custom role for an organization.
func (s *Service) CreateRole(ctx context.Context, input CreateRoleInput) (Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Role{}, fmt.Errorf("roles: role name required")
	}
	if len(name) > 100 {
		return Role{}, fmt.Errorf("roles: role name exceeds 100 characters")
	}
	if input.OrgID <= 0 {
		return Role{}, fmt.Errorf("roles: organization id required")
	}

	count, err := s.repo.CountCustom(ctx, input.OrgID)
	if err != nil {
		return Role{}, err
	}
	if count >= s.limit {
		return Role{}, fmt.Errorf("roles: organization %d at cap %d: %w", input.OrgID, s.limit, shared.ErrRoleLimitExceeded)
	}

	if _, err := s.repo.FindActiveByName(ctx, input.OrgID, CanonicalName(name)); err == nil {
		return Role{}, fmt.Errorf("roles: %q in organization %d: %w", name, input.OrgID, shared.ErrDuplicateName)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Role{}, err
	}

	if _, err := s.catalog.ResolveIDs(ctx, input.PermissionIDs); err != nil {
		return Role{}, err
	}

	actorID := shared.ActorFromContext(ctx)
	role, err := s.repo.CreateRole(ctx, Role{
		OrgID:         input.OrgID,
		Name:          name,
		Description:   strings.TrimSpace(input.Description),
		Kind:          KindCustom,
		Active:        true,
		PermissionIDs: input.PermissionIDs,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     actorID,
	})
	if err != nil {
		return Role{}, err
	}

	if err := s.bus.Publish(ctx, events.Event{
		Kind:    events.KindRoleCreated,
		OrgID:   role.OrgID,
		RoleID:  role.ID,
		ActorID: actorID,
	}); err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRolePermissions replaces a custom role's permission set.
// Predefined roles are immutable; concurrent edits lose on version conflict.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID, orgID int64, permissionIDs []int64) (Role, error) {
	role, err := s.repo.GetRole(ctx, roleID, orgID)
	if err != nil {
		return Role{}, err
	}
	if role.IsPredefined() {
		return Role{}, fmt.Errorf("roles: role %d: %w", roleID, shared.ErrImmutableRole)
	}
	if !role.Active {
		return Role{}, fmt.Errorf("roles: role %d inactive: %w", roleID, shared.ErrNotFound)
	}

	if _, err := s.catalog.ResolveIDs(ctx, permissionIDs); err != nil {
		return Role{}, err
	}

	actorID := shared.ActorFromContext(ctx)
	role.PermissionIDs = permissionIDs
	role.UpdatedAt = time.Now().UTC()
	role.UpdatedBy = actorID
	updated, err := s.repo.UpdateRolePermissions(ctx, role)
	if err != nil {
		return Role{}, err
	}

	if err := s.bus.Publish(ctx, events.Event{
		Kind:    events.KindRoleModified,
		OrgID:   updated.OrgID,
		RoleID:  updated.ID,
		ActorID: actorID,
	}); err != nil {
		return Role{}, err
	}
	return updated, nil
}

// DeleteRole soft-deactivates a custom role and cascades removal to every
// assignment that references it.
func (s *Service) DeleteRole(ctx context.Context, roleID, orgID int64) error {
	role, err := s.repo.GetRole(ctx, roleID, orgID)
	if err != nil {
		return err
	}
	if role.IsPredefined() {
		return fmt.Errorf("roles: role %d: %w", roleID, shared.ErrImmutableRole)
	}
	if !role.Active {
		return fmt.Errorf("roles: role %d inactive: %w", roleID, shared.ErrNotFound)
	}

	actorID := shared.ActorFromContext(ctx)

	// Cascade before deactivating: if either write fails the role stays
	// active and the whole call can simply be retried. The reverse order
	// would strand the assignments behind the inactive-role NotFound check
	// above. RemoveAllForRole tolerates already-removed rows, so a retry
	// after a partial cascade converges.
	affected, err := s.cascade.RemoveAllForRole(ctx, roleID, orgID, actorID, shared.ReasonRoleDeleted)
	if err != nil {
		s.logger.Error("roles: cascade removal failed",
			slog.Int64("role_id", roleID),
			slog.Any("error", err))
		return err
	}

	if err := s.repo.DeactivateRole(ctx, roleID, orgID, role.Version, actorID); err != nil {
		return err
	}

	return s.bus.Publish(ctx, events.Event{
		Kind:          events.KindRoleDeleted,
		OrgID:         orgID,
		RoleID:        roleID,
		ActorID:       actorID,
		AffectedUsers: affected,
	})
}

// GetRole fetches a role visible to the organization, global predefined included.
func (s *Service) GetRole(ctx context.Context, roleID, orgID int64) (Role, error) {
	return s.repo.GetRole(ctx, roleID, orgID)
}

// ActiveRole fetches a role and fails with NotFound when it is deactivated.
// Used by the assignment store to validate grants.
func (s *Service) ActiveRole(ctx context.Context, roleID, orgID int64) (Role, error) {
	role, err := s.repo.GetRole(ctx, roleID, orgID)
	if err != nil {
		return Role{}, err
	}
	if !role.Active {
		return Role{}, fmt.Errorf("roles: role %d inactive: %w", roleID, shared.ErrNotFound)
	}
	return role, nil
}

// ListRoles returns the organization's custom roles unioned with the global
// predefined ones.
func (s *Service) ListRoles(ctx context.Context, orgID int64) ([]Role, error) {
	return s.repo.ListRoles(ctx, orgID)
}

// RoleStats summarizes role usage for an organization.
func (s *Service) RoleStats(ctx context.Context, orgID int64) (Stats, error) {
	all, err := s.repo.ListRoles(ctx, orgID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: int64(len(all))}
	for _, r := range all {
		if r.IsCustom() {
			stats.Custom++
		} else {
			stats.Predefined++
		}
	}
	return stats, nil
}
