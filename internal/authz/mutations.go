package authz

import (
	"context"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/assignments"
	"github.com/gatehouse-io/gatehouse/internal/roles"
)

// Mutation wrappers. Each delegates to its store, whose event emission
// synchronously evicts the affected cache entries, so by the time a wrapper
// returns no later check in this process can observe the pre-mutation state.

// CreateRole creates a custom role in an organization.
func (s *Service) CreateRole(ctx context.Context, input roles.CreateRoleInput) (roles.Role, error) {
	return s.roles.CreateRole(ctx, input)
}

// UpdateRolePermissions replaces a custom role's permission set.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID, orgID int64, permissionIDs []int64) (roles.Role, error) {
	return s.roles.UpdateRolePermissions(ctx, roleID, orgID, permissionIDs)
}

// DeleteRole soft-deletes a role and cascades to its assignments.
func (s *Service) DeleteRole(ctx context.Context, roleID, orgID int64) error {
	return s.roles.DeleteRole(ctx, roleID, orgID)
}

// AssignRoleToUser grants a role to a user, optionally until expiresAt.
func (s *Service) AssignRoleToUser(ctx context.Context, input assignments.AssignInput) (assignments.Assignment, error) {
	return s.assignments.Assign(ctx, input)
}

// RemoveUserRole revokes a user's role.
func (s *Service) RemoveUserRole(ctx context.Context, userID, roleID, orgID, removedBy int64, reason string) error {
	return s.assignments.Remove(ctx, userID, roleID, orgID, removedBy, reason)
}

// ExtendUserRoleAssignment pushes an active assignment's expiry out.
func (s *Service) ExtendUserRoleAssignment(ctx context.Context, userID, roleID, orgID int64, newExpiresAt time.Time) (assignments.Assignment, error) {
	return s.assignments.Extend(ctx, userID, roleID, orgID, newExpiresAt)
}

// GetRole fetches one role visible to the organization.
func (s *Service) GetRole(ctx context.Context, roleID, orgID int64) (roles.Role, error) {
	return s.roles.GetRole(ctx, roleID, orgID)
}

// ListRoles lists predefined and custom roles visible to the organization.
func (s *Service) ListRoles(ctx context.Context, orgID int64) ([]roles.Role, error) {
	return s.roles.ListRoles(ctx, orgID)
}
