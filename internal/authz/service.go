// Package authz is the engine façade: permission checks served cache-aside
// with single-flight recomputation, and mutation wrappers whose event
// emission drives cache coherence before the call returns.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-io/gatehouse/internal/assignments"
	"github.com/gatehouse-io/gatehouse/internal/catalog"
	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/permcache"
	"github.com/gatehouse-io/gatehouse/internal/roles"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// PermissionRequest names one (resource, action) pair of a batch check.
type PermissionRequest struct {
	Resource string `json:"resource" validate:"required,max=50"`
	Action   string `json:"action" validate:"required,max=50"`
}

// RolesPort is the slice of the role store the façade consumes.
type RolesPort interface {
	GetRole(ctx context.Context, roleID, orgID int64) (roles.Role, error)
	ListRoles(ctx context.Context, orgID int64) ([]roles.Role, error)
	CreateRole(ctx context.Context, input roles.CreateRoleInput) (roles.Role, error)
	UpdateRolePermissions(ctx context.Context, roleID, orgID int64, permissionIDs []int64) (roles.Role, error)
	DeleteRole(ctx context.Context, roleID, orgID int64) error
}

// AssignmentsPort is the slice of the assignment store the façade consumes.
type AssignmentsPort interface {
	ListActive(ctx context.Context, userID, orgID int64) ([]assignments.Assignment, error)
	Assign(ctx context.Context, input assignments.AssignInput) (assignments.Assignment, error)
	Extend(ctx context.Context, userID, roleID, orgID int64, newExpiresAt time.Time) (assignments.Assignment, error)
	Remove(ctx context.Context, userID, roleID, orgID, removedBy int64, reason string) error
}

// CatalogPort resolves permission references during recomputation.
type CatalogPort interface {
	ResolveIDs(ctx context.Context, ids []int64) ([]catalog.Permission, error)
}

// CachePort is the cache tier consumed by the check path.
type CachePort interface {
	Get(ctx context.Context, userID, orgID int64) (permcache.PermissionSet, error)
	Put(ctx context.Context, set permcache.PermissionSet) error
}

// Service combines catalog, role store, assignment store, and cache into the
// engine's public surface.
type Service struct {
	roles       RolesPort
	assignments AssignmentsPort
	catalog     CatalogPort
	cache       CachePort
	group       singleflight.Group
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewService builds the façade.
func NewService(rolePort RolesPort, assignmentPort AssignmentsPort, cat CatalogPort, cache CachePort, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		roles:       rolePort,
		assignments: assignmentPort,
		catalog:     cat,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
	}
}

// HasPermission reports whether the user may perform action on resource
// within the organization. A negative answer is a normal result, not an
// error; internal failures surface as (false, err), never as a grant.
func (s *Service) HasPermission(ctx context.Context, userID, orgID int64, resource, action string) (bool, error) {
	start := time.Now()
	set, err := s.effectiveSet(ctx, userID, orgID)
	if err != nil {
		s.metrics.ObserveCheck("error", time.Since(start))
		return false, err
	}
	allowed := set.Has(catalog.PermissionKey(resource, action))
	if allowed {
		s.metrics.ObserveCheck("allowed", time.Since(start))
	} else {
		s.metrics.ObserveCheck("denied", time.Since(start))
	}
	return allowed, nil
}

// CheckPermissions answers a batch of checks from a single effective-set
// fetch; it never issues one store round-trip per requested pair.
func (s *Service) CheckPermissions(ctx context.Context, userID, orgID int64, requests []PermissionRequest) ([]bool, error) {
	start := time.Now()
	set, err := s.effectiveSet(ctx, userID, orgID)
	if err != nil {
		s.metrics.ObserveCheck("error", time.Since(start))
		return nil, err
	}
	results := make([]bool, len(requests))
	for i, req := range requests {
		results[i] = set.Has(catalog.PermissionKey(req.Resource, req.Action))
		if results[i] {
			s.metrics.ObserveCheckResult("allowed")
		} else {
			s.metrics.ObserveCheckResult("denied")
		}
	}
	s.metrics.ObserveCheckDuration(time.Since(start))
	return results, nil
}

// RequireHasPermission is the enforce-and-throw variant of HasPermission:
// a negative result becomes AccessDenied.
func (s *Service) RequireHasPermission(ctx context.Context, userID, orgID int64, resource, action string) error {
	allowed, err := s.HasPermission(ctx, userID, orgID, resource, action)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("authz: user %d lacks %s on %s: %w", userID, action, resource, shared.ErrAccessDenied)
	}
	return nil
}

// EffectivePermissions exposes the user's full permission key set, primarily
// for session bootstrap and diagnostics.
func (s *Service) EffectivePermissions(ctx context.Context, userID, orgID int64) ([]string, error) {
	set, err := s.effectiveSet(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(set.Keys))
	for key, held := range set.Keys {
		if held {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// effectiveSet serves the cache-aside read path. Concurrent misses for the
// same (user, org) key coalesce onto one recomputation; the cache tier being
// unreachable degrades to direct store computation for the request.
func (s *Service) effectiveSet(ctx context.Context, userID, orgID int64) (permcache.PermissionSet, error) {
	degraded := false
	pinned, err := s.cache.Get(ctx, userID, orgID)
	switch {
	case err == nil:
		s.metrics.ObserveCacheLookup("hit")
		return pinned, nil
	case errors.Is(err, permcache.ErrMiss):
		s.metrics.ObserveCacheLookup("miss")
	case errors.Is(err, shared.ErrCacheUnavailable):
		degraded = true
		s.metrics.ObserveCacheLookup("unavailable")
		s.logger.Warn("authz: cache unavailable, computing from stores",
			slog.Int64("user_id", userID),
			slog.Int64("org_id", orgID),
			slog.Any("error", err))
	default:
		return permcache.PermissionSet{}, s.mapErr(ctx, err)
	}

	key := fmt.Sprintf("%d:%d", userID, orgID)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		computed, err := s.compute(ctx, userID, orgID)
		if err != nil {
			return nil, err
		}
		if !degraded {
			// Writing under the epochs pinned at miss time keeps a
			// recomputation that raced an invalidation off the live key.
			computed.OrgEpoch = pinned.OrgEpoch
			computed.UserEpoch = pinned.UserEpoch
			if err := s.cache.Put(ctx, computed); err != nil {
				s.logger.Warn("authz: cache populate failed", slog.Any("error", err))
			}
		}
		return computed, nil
	})

	select {
	case <-ctx.Done():
		return permcache.PermissionSet{}, s.mapErr(ctx, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return permcache.PermissionSet{}, s.mapErr(ctx, res.Err)
		}
		if res.Shared {
			s.metrics.ObserveCoalesced()
		}
		return res.Val.(permcache.PermissionSet), nil
	}
}

// compute rebuilds the effective set from the stores: active assignments →
// active roles → active catalog permissions, unioned.
func (s *Service) compute(ctx context.Context, userID, orgID int64) (permcache.PermissionSet, error) {
	active, err := s.assignments.ListActive(ctx, userID, orgID)
	if err != nil {
		return permcache.PermissionSet{}, err
	}
	keys := make(map[string]bool)
	for _, a := range active {
		role, err := s.roles.GetRole(ctx, a.RoleID, orgID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return permcache.PermissionSet{}, err
		}
		if !role.Active {
			continue
		}
		perms, err := s.catalog.ResolveIDs(ctx, role.PermissionIDs)
		if err != nil {
			if errors.Is(err, shared.ErrUnknownPermission) {
				// A retired permission referenced by an old role contributes
				// nothing; resolve the rest individually.
				perms = s.resolveSurviving(ctx, role.PermissionIDs)
			} else {
				return permcache.PermissionSet{}, err
			}
		}
		for _, p := range perms {
			keys[p.Key()] = true
		}
	}
	return permcache.PermissionSet{
		UserID:     userID,
		OrgID:      orgID,
		Keys:       keys,
		ComputedAt: time.Now().UTC(),
	}, nil
}

func (s *Service) resolveSurviving(ctx context.Context, ids []int64) []catalog.Permission {
	var perms []catalog.Permission
	for _, id := range ids {
		resolved, err := s.catalog.ResolveIDs(ctx, []int64{id})
		if err != nil {
			continue
		}
		perms = append(perms, resolved...)
	}
	return perms
}

// mapErr converts deadline expiry into the engine's Timeout error.
func (s *Service) mapErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("authz: %w: %v", shared.ErrTimeout, err)
	}
	return err
}
