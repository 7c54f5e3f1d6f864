package assignments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/roles"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// RepositoryPort defines data access methods for assignments.
type RepositoryPort interface {
	FindActive(ctx context.Context, userID, roleID, orgID int64, now time.Time) (Assignment, error)
	Insert(ctx context.Context, a Assignment) (Assignment, error)
	UpdateExpiry(ctx context.Context, id, version int64, expiresAt time.Time) (Assignment, error)
	MarkRemoved(ctx context.Context, id, version int64, removedAt time.Time, removedBy int64, reason string) error
	ListActive(ctx context.Context, userID, orgID int64, now time.Time) ([]Assignment, error)
	ListActiveForUser(ctx context.Context, userID int64, now time.Time) ([]Assignment, error)
	ListActiveForRole(ctx context.Context, roleID, orgID int64, now time.Time) ([]Assignment, error)
	CountActiveForRole(ctx context.Context, roleID, orgID int64, now time.Time) (int64, error)
	RemoveAllForRole(ctx context.Context, roleID, orgID int64, removedAt time.Time, removedBy int64, reason string) (int64, error)
}

// RolePort validates role references against the role store.
type RolePort interface {
	ActiveRole(ctx context.Context, roleID, orgID int64) (roles.Role, error)
}

// Service is the assignment store. Mutations emit their event synchronously
// before returning.
type Service struct {
	repo   RepositoryPort
	roles  RolePort
	bus    events.Publisher
	logger *slog.Logger
}

// NewService builds an assignment Service.
func NewService(repo RepositoryPort, rolePort RolePort, bus events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, roles: rolePort, bus: bus, logger: logger}
}

// AssignInput describes a role grant.
type AssignInput struct {
	UserID     int64
	RoleID     int64
	OrgID      int64
	AssignedBy int64
	ExpiresAt  *time.Time
}

// Assign grants a role to a user. Idempotent: an existing active assignment
// for the (user, role) pair is returned unchanged so retries are safe.
func (s *Service) Assign(ctx context.Context, input AssignInput) (Assignment, error) {
	if input.UserID <= 0 || input.RoleID <= 0 || input.OrgID <= 0 {
		return Assignment{}, fmt.Errorf("assignments: user, role and organization ids required")
	}
	if _, err := s.roles.ActiveRole(ctx, input.RoleID, input.OrgID); err != nil {
		return Assignment{}, err
	}

	now := time.Now().UTC()
	if existing, err := s.repo.FindActive(ctx, input.UserID, input.RoleID, input.OrgID, now); err == nil {
		return existing, nil
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Assignment{}, err
	}

	created, err := s.repo.Insert(ctx, Assignment{
		UserID:     input.UserID,
		RoleID:     input.RoleID,
		OrgID:      input.OrgID,
		AssignedAt: now,
		AssignedBy: input.AssignedBy,
		ExpiresAt:  input.ExpiresAt,
	})
	if err != nil {
		// A concurrent grant for the same pair won the insert race; return
		// the row it created, keeping Assign idempotent under contention.
		if errors.Is(err, shared.ErrConcurrentModification) {
			return s.repo.FindActive(ctx, input.UserID, input.RoleID, input.OrgID, now)
		}
		return Assignment{}, err
	}

	if err := s.bus.Publish(ctx, events.Event{
		Kind:    events.KindUserRoleAssigned,
		OrgID:   created.OrgID,
		RoleID:  created.RoleID,
		UserID:  created.UserID,
		ActorID: input.AssignedBy,
	}); err != nil {
		return Assignment{}, err
	}
	return created, nil
}

// Extend moves an active assignment's expiry further into the future.
func (s *Service) Extend(ctx context.Context, userID, roleID, orgID int64, newExpiresAt time.Time) (Assignment, error) {
	now := time.Now().UTC()
	if !newExpiresAt.After(now) {
		return Assignment{}, fmt.Errorf("assignments: new expiry must be in the future")
	}
	current, err := s.repo.FindActive(ctx, userID, roleID, orgID, now)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Assignment{}, fmt.Errorf("assignments: user %d role %d: %w", userID, roleID, shared.ErrNotAssigned)
		}
		return Assignment{}, err
	}

	extended, err := s.repo.UpdateExpiry(ctx, current.ID, current.Version, newExpiresAt.UTC())
	if err != nil {
		return Assignment{}, err
	}

	// An extension re-grants the same role, so it reuses the assigned event.
	if err := s.bus.Publish(ctx, events.Event{
		Kind:    events.KindUserRoleAssigned,
		OrgID:   extended.OrgID,
		RoleID:  extended.RoleID,
		UserID:  extended.UserID,
		ActorID: shared.ActorFromContext(ctx),
	}); err != nil {
		return Assignment{}, err
	}
	return extended, nil
}

// Remove revokes an active assignment. The row stays behind for history.
func (s *Service) Remove(ctx context.Context, userID, roleID, orgID, removedBy int64, reason string) error {
	now := time.Now().UTC()
	current, err := s.repo.FindActive(ctx, userID, roleID, orgID, now)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("assignments: user %d role %d: %w", userID, roleID, shared.ErrNotAssigned)
		}
		return err
	}

	if err := s.repo.MarkRemoved(ctx, current.ID, current.Version, now, removedBy, reason); err != nil {
		return err
	}

	return s.bus.Publish(ctx, events.Event{
		Kind:    events.KindUserRoleRemoved,
		OrgID:   orgID,
		RoleID:  roleID,
		UserID:  userID,
		ActorID: removedBy,
	})
}

// RemoveAllForRole revokes every active assignment of a role, used by the
// role-deletion cascade. Emits a single removed event per affected user.
func (s *Service) RemoveAllForRole(ctx context.Context, roleID, orgID, removedBy int64, reason string) (int64, error) {
	now := time.Now().UTC()
	active, err := s.repo.ListActiveForRole(ctx, roleID, orgID, now)
	if err != nil {
		return 0, err
	}
	affected, err := s.repo.RemoveAllForRole(ctx, roleID, orgID, now, removedBy, reason)
	if err != nil {
		return 0, err
	}
	for _, a := range active {
		if err := s.bus.Publish(ctx, events.Event{
			Kind:    events.KindUserRoleRemoved,
			OrgID:   orgID,
			RoleID:  roleID,
			UserID:  a.UserID,
			ActorID: removedBy,
		}); err != nil {
			return affected, err
		}
	}
	return affected, nil
}

// ListActive returns the user's active assignments within one organization.
// The active predicate evaluates expiry at query time.
func (s *Service) ListActive(ctx context.Context, userID, orgID int64) ([]Assignment, error) {
	return s.repo.ListActive(ctx, userID, orgID, time.Now().UTC())
}

// ListActiveForUser returns the user's active assignments across every
// organization, for multi-organization role switching.
func (s *Service) ListActiveForUser(ctx context.Context, userID int64) ([]Assignment, error) {
	return s.repo.ListActiveForUser(ctx, userID, time.Now().UTC())
}

// CountActiveForRole counts current holders of a role. Exposed so layers
// above can enforce protected-role rules such as last-owner checks.
func (s *Service) CountActiveForRole(ctx context.Context, roleID, orgID int64) (int64, error) {
	return s.repo.CountActiveForRole(ctx, roleID, orgID, time.Now().UTC())
}
