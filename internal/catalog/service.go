package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// RepositoryPort defines data access methods for the permission catalog.
type RepositoryPort interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpsertPermission(ctx context.Context, p Permission) (Permission, error)
}

// Service serves the permission catalog. The catalog is read-heavy and
// effectively immutable at request time, so the full set is memoized in
// process and refreshed only when an administrative upsert goes through.
type Service struct {
	repo RepositoryPort

	mu     sync.RWMutex
	loaded bool
	byKey  map[string]Permission
	byID   map[int64]Permission
}

// NewService builds a catalog Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// List returns all active permissions sorted by key.
func (s *Service) List(ctx context.Context) ([]Permission, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]Permission, 0, len(s.byKey))
	for _, p := range s.byKey {
		if p.Active {
			perms = append(perms, p)
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key() < perms[j].Key() })
	return perms, nil
}

// Resolve looks up an active permission by resource and action.
func (s *Service) Resolve(ctx context.Context, resource, action string) (Permission, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return Permission{}, err
	}
	s.mu.RLock()
	p, ok := s.byKey[PermissionKey(resource, action)]
	s.mu.RUnlock()
	if !ok || !p.Active {
		return Permission{}, fmt.Errorf("catalog: %s:%s: %w", resource, action, shared.ErrNotFound)
	}
	return p, nil
}

// ResolveIDs resolves permission ids in bulk. Any id missing from the catalog
// or retired fails the whole lookup so role mutations never reference ghosts.
func (s *Service) ResolveIDs(ctx context.Context, ids []int64) ([]Permission, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]Permission, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, ok := s.byID[id]
		if !ok || !p.Active {
			return nil, fmt.Errorf("catalog: permission %d: %w", id, shared.ErrUnknownPermission)
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// ListResources returns the distinct resources with active permissions.
func (s *Service) ListResources(ctx context.Context) ([]string, error) {
	perms, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, p := range perms {
		set[p.Resource] = struct{}{}
	}
	resources := make([]string, 0, len(set))
	for r := range set {
		resources = append(resources, r)
	}
	sort.Strings(resources)
	return resources, nil
}

// ListActions returns the active actions available on a resource.
func (s *Service) ListActions(ctx context.Context, resource string) ([]string, error) {
	perms, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var actions []string
	for _, p := range perms {
		if p.Resource == resource {
			actions = append(actions, p.Action)
		}
	}
	sort.Strings(actions)
	return actions, nil
}

// Ensure upserts a permission. Administrative, outside the check hot path;
// invalidates the process memo so the next read reloads.
func (s *Service) Ensure(ctx context.Context, resource, action, description string) (Permission, error) {
	p, err := s.repo.UpsertPermission(ctx, Permission{
		Resource:    resource,
		Action:      action,
		Description: description,
		Active:      true,
	})
	if err != nil {
		return Permission{}, err
	}
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	return p, nil
}

func (s *Service) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	perms, err := s.repo.ListPermissions(ctx)
	if err != nil {
		return err
	}
	s.byKey = make(map[string]Permission, len(perms))
	s.byID = make(map[int64]Permission, len(perms))
	for _, p := range perms {
		s.byKey[p.Key()] = p
		s.byID[p.ID] = p
	}
	s.loaded = true
	return nil
}
