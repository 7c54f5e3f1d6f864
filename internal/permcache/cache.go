// Package permcache holds the materialized effective permission sets in
// Redis. Entries are derived and disposable: losing the whole tier costs
// latency while sets recompute, never correctness.
package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// DefaultTTL bounds staleness for entries that never see an explicit
// invalidation.
const DefaultTTL = 15 * time.Minute

// ErrMiss signals that no cached set exists for the key.
var ErrMiss = errors.New("permcache: miss")

// PermissionSet is the union of permission keys a user holds in one
// organization, computed from the role and assignment stores. Always replaced
// whole, never patched. OrgEpoch and UserEpoch pin the cache generation the
// set was computed against: Get records them on a miss and Put writes under
// them, so a set computed before an invalidation lands on the dead generation
// instead of masking it.
type PermissionSet struct {
	UserID     int64           `json:"user_id"`
	OrgID      int64           `json:"org_id"`
	OrgEpoch   int64           `json:"org_epoch"`
	UserEpoch  int64           `json:"user_epoch"`
	Keys       map[string]bool `json:"keys"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Has tests membership of a RESOURCE:ACTION key.
func (s PermissionSet) Has(key string) bool {
	return s.Keys[key]
}

// Cache is the Redis-backed cache tier. Keys embed a per-organization and a
// per-user epoch counter, so invalidating is a single INCR at either scope:
// every live key for the old epoch becomes unreachable and lapses by TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New builds a Cache. ttl <= 0 selects DefaultTTL.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func epochKey(orgID int64) string {
	return fmt.Sprintf("authz:org:%d:epoch", orgID)
}

func userEpochKey(orgID, userID int64) string {
	return fmt.Sprintf("authz:user:%d:%d:epoch", orgID, userID)
}

func entryKey(orgID, orgEpoch, userID, userEpoch int64) string {
	return fmt.Sprintf("authz:perms:%d:%d:%d:%d", orgID, orgEpoch, userID, userEpoch)
}

// Get fetches the cached set for (user, org). On a miss the returned set
// carries the epochs observed now; a subsequent Put of the recomputed set
// must reuse them. Wraps CacheUnavailable on transport failure so callers can
// fall back to the stores.
func (c *Cache) Get(ctx context.Context, userID, orgID int64) (PermissionSet, error) {
	orgEpoch, userEpoch, err := c.epochs(ctx, userID, orgID)
	if err != nil {
		return PermissionSet{}, err
	}
	pinned := PermissionSet{UserID: userID, OrgID: orgID, OrgEpoch: orgEpoch, UserEpoch: userEpoch}
	payload, err := c.client.Get(ctx, entryKey(orgID, orgEpoch, userID, userEpoch)).Bytes()
	if errors.Is(err, redis.Nil) {
		return pinned, ErrMiss
	}
	if err != nil {
		return PermissionSet{}, fmt.Errorf("permcache: get: %w: %w", shared.ErrCacheUnavailable, err)
	}
	var set PermissionSet
	if err := json.Unmarshal(payload, &set); err != nil {
		// A corrupt entry behaves as a miss; the next Put overwrites it.
		c.logger.Warn("permcache: corrupt entry",
			slog.Int64("user_id", userID),
			slog.Int64("org_id", orgID))
		return pinned, ErrMiss
	}
	return set, nil
}

// Put stores a computed set under the epochs pinned when its miss was
// observed. An invalidation that raced the recomputation already moved the
// live generation past those epochs, making the write unreachable.
func (c *Cache) Put(ctx context.Context, set PermissionSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return err
	}
	key := entryKey(set.OrgID, set.OrgEpoch, set.UserID, set.UserEpoch)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("permcache: put: %w: %w", shared.ErrCacheUnavailable, err)
	}
	return nil
}

// Invalidate evicts the cached set of a single (user, org) pair by bumping
// the user's epoch. In-flight recomputations pinned to the old epoch cannot
// resurrect the evicted entry.
func (c *Cache) Invalidate(ctx context.Context, userID, orgID int64) error {
	if err := c.client.Incr(ctx, userEpochKey(orgID, userID)).Err(); err != nil {
		return fmt.Errorf("permcache: invalidate: %w: %w", shared.ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidateOrganization evicts every cached set of an organization by
// bumping its epoch. Used for role-level mutations, which may affect many
// holders; precise fan-out would itself require a store query.
func (c *Cache) InvalidateOrganization(ctx context.Context, orgID int64) error {
	if err := c.client.Incr(ctx, epochKey(orgID)).Err(); err != nil {
		return fmt.Errorf("permcache: invalidate organization: %w: %w", shared.ErrCacheUnavailable, err)
	}
	return nil
}

// InvalidateRole evicts cached sets affected by a role change. Deliberately
// coarse: the whole organization is invalidated rather than fanning out to
// individual holders, trading recomputation for a bounded algorithm.
func (c *Cache) InvalidateRole(ctx context.Context, roleID, orgID int64) error {
	return c.InvalidateOrganization(ctx, orgID)
}

func (c *Cache) epochs(ctx context.Context, userID, orgID int64) (int64, int64, error) {
	values, err := c.client.MGet(ctx, epochKey(orgID), userEpochKey(orgID, userID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("permcache: epoch: %w: %w", shared.ErrCacheUnavailable, err)
	}
	orgEpoch, err := parseEpoch(values[0])
	if err != nil {
		return 0, 0, err
	}
	userEpoch, err := parseEpoch(values[1])
	if err != nil {
		return 0, 0, err
	}
	return orgEpoch, userEpoch, nil
}

func parseEpoch(value interface{}) (int64, error) {
	if value == nil {
		return 0, nil
	}
	raw, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("permcache: epoch: unexpected type %T", value)
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("permcache: epoch: %w", err)
	}
	return epoch, nil
}
