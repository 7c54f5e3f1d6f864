package permcache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Minute, nil), mr
}

func sampleSet(userID, orgID int64) PermissionSet {
	return PermissionSet{
		UserID:     userID,
		OrgID:      orgID,
		Keys:       map[string]bool{"PAYMENTS:READ": true, "INVOICES:READ": true},
		ComputedAt: time.Now().UTC(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, sampleSet(21, 7)))

	got, err := cache.Get(ctx, 21, 7)
	require.NoError(t, err)
	require.True(t, got.Has("PAYMENTS:READ"))
	require.False(t, got.Has("PAYMENTS:WRITE"))
}

func TestGetMissWhenAbsent(t *testing.T) {
	cache, _ := newTestCache(t)

	_, err := cache.Get(context.Background(), 21, 7)
	require.ErrorIs(t, err, ErrMiss)
}

func TestInvalidateEvictsSingleUser(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, sampleSet(21, 7)))
	require.NoError(t, cache.Put(ctx, sampleSet(22, 7)))

	require.NoError(t, cache.Invalidate(ctx, 21, 7))

	_, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)

	_, err = cache.Get(ctx, 22, 7)
	require.NoError(t, err)
}

func TestInvalidateOrganizationEvictsAllUsers(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, sampleSet(21, 7)))
	require.NoError(t, cache.Put(ctx, sampleSet(22, 7)))
	require.NoError(t, cache.Put(ctx, sampleSet(21, 8)))

	require.NoError(t, cache.InvalidateOrganization(ctx, 7))

	_, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
	_, err = cache.Get(ctx, 22, 7)
	require.ErrorIs(t, err, ErrMiss)

	// The sibling organization keeps its entries.
	_, err = cache.Get(ctx, 21, 8)
	require.NoError(t, err)
}

func TestPutPinnedAfterOrganizationInvalidationIsVisible(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, sampleSet(21, 7)))
	require.NoError(t, cache.InvalidateOrganization(ctx, 7))

	// A recomputation that misses after the invalidation pins the new epoch
	// and its write is served.
	pinned, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
	fresh := sampleSet(21, 7)
	fresh.OrgEpoch = pinned.OrgEpoch
	fresh.UserEpoch = pinned.UserEpoch
	require.NoError(t, cache.Put(ctx, fresh))

	_, err = cache.Get(ctx, 21, 7)
	require.NoError(t, err)
}

func TestStalePutAfterOrganizationInvalidationNotVisible(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	// A recomputation pins the epochs observed at miss time.
	pinned, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)

	// A role mutation invalidates the organization while the recomputation
	// is still in flight.
	require.NoError(t, cache.InvalidateOrganization(ctx, 7))

	stale := sampleSet(21, 7)
	stale.OrgEpoch = pinned.OrgEpoch
	stale.UserEpoch = pinned.UserEpoch
	require.NoError(t, cache.Put(ctx, stale))

	// The write landed on the dead epoch; readers keep missing instead of
	// seeing pre-invalidation permissions.
	_, err = cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
}

func TestStalePutAfterUserInvalidationNotVisible(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	pinned, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)

	// An assignment mutation evicts the user mid-recomputation.
	require.NoError(t, cache.Invalidate(ctx, 21, 7))

	stale := sampleSet(21, 7)
	stale.OrgEpoch = pinned.OrgEpoch
	stale.UserEpoch = pinned.UserEpoch
	require.NoError(t, cache.Put(ctx, stale))

	_, err = cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
}

func TestGetCorruptEntryBehavesAsMiss(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("authz:perms:7:0:21:0", "not-json"))

	_, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
}

func TestGetWrapsTransportFailure(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	_, err := cache.Get(context.Background(), 21, 7)
	require.ErrorIs(t, err, shared.ErrCacheUnavailable)
}

func TestEntriesExpireByTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, sampleSet(21, 7)))
	mr.FastForward(2 * time.Minute)

	_, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
}

func TestInvalidatorRoleEventEvictsOrganization(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, sampleSet(21, 7)))
	require.NoError(t, cache.Put(ctx, sampleSet(22, 7)))

	inv := NewInvalidator(cache, nil, nil)
	inv.Handle(ctx, events.Event{Kind: events.KindRoleModified, OrgID: 7, RoleID: 5})

	_, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
	_, err = cache.Get(ctx, 22, 7)
	require.ErrorIs(t, err, ErrMiss)
}

func TestInvalidatorAssignmentEventEvictsUserOnly(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, sampleSet(21, 7)))
	require.NoError(t, cache.Put(ctx, sampleSet(22, 7)))

	inv := NewInvalidator(cache, nil, nil)
	inv.Handle(ctx, events.Event{Kind: events.KindUserRoleAssigned, OrgID: 7, RoleID: 5, UserID: 21})

	_, err := cache.Get(ctx, 21, 7)
	require.ErrorIs(t, err, ErrMiss)
	_, err = cache.Get(ctx, 22, 7)
	require.NoError(t, err)
}

func TestInvalidatorSwallowsCacheFailure(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	inv := NewInvalidator(cache, nil, nil)
	// Must not panic or propagate.
	inv.Handle(context.Background(), events.Event{Kind: events.KindUserRoleRemoved, OrgID: 7, UserID: 21})
}
