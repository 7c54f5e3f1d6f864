package permcache

import (
	"context"
	"log/slog"

	"github.com/gatehouse-io/gatehouse/internal/events"
	"github.com/gatehouse-io/gatehouse/internal/observability"
)

// Invalidator translates mutation events into cache evictions. It subscribes
// to the event bus, so eviction runs synchronously inside each mutation's
// Publish call (before the mutation returns) and again, idempotently, for
// events relayed from peer processes.
type Invalidator struct {
	cache   *Cache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewInvalidator builds an Invalidator over the cache.
func NewInvalidator(cache *Cache, metrics *observability.Metrics, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{cache: cache, metrics: metrics, logger: logger}
}

// Handle applies the eviction for one event. Role-scoped events evict the
// whole organization; assignment events evict just the affected user.
// Failures are logged, not propagated: the entry's TTL still bounds staleness
// and failing the mutation for a cache error would invert the dependency.
func (i *Invalidator) Handle(ctx context.Context, ev events.Event) {
	var err error
	if ev.RoleScoped() {
		err = i.cache.InvalidateRole(ctx, ev.RoleID, ev.OrgID)
		i.metrics.ObserveInvalidation("organization")
	} else {
		err = i.cache.Invalidate(ctx, ev.UserID, ev.OrgID)
		i.metrics.ObserveInvalidation("user")
	}
	if err != nil {
		i.logger.Warn("permcache: eviction failed",
			slog.String("kind", string(ev.Kind)),
			slog.Int64("org_id", ev.OrgID),
			slog.Any("error", err))
	}
}
