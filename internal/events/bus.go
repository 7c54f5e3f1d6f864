package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// DefaultChannel is the redis channel used for cross-process event delivery.
const DefaultChannel = "gatehouse.events"

// Handler consumes a single event. Handlers must be idempotent: events from
// peer processes are delivered at least once.
type Handler func(ctx context.Context, ev Event)

// Publisher is the emission seam used by the role and assignment stores.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus fans events out to in-process subscribers synchronously, then relays
// them to the redis channel for peer processes and external consumers.
// Synchronous dispatch is what guarantees the cache is invalidated before a
// mutation call returns.
type Bus struct {
	client  *redis.Client
	channel string
	source  string
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewBus constructs a Bus. The client may be nil for single-process setups;
// events are then delivered in-process only.
func NewBus(client *redis.Client, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:  client,
		channel: channel,
		source:  uuid.NewString(),
		logger:  logger,
	}
}

// Subscribe registers an in-process handler. Not safe to call concurrently
// with Publish; wire all subscribers during startup.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish stamps the event, dispatches it to local subscribers, then relays
// it to the redis channel. Relay failures are logged, not returned: local
// invalidation already happened and the cache TTL bounds peer staleness.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = shared.CorrelationIDFromContext(ctx)
	}
	ev.Source = b.source

	b.dispatch(ctx, ev)

	if b.client == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("events: relay failed",
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err))
	}
	return nil
}

// Listen subscribes to the redis channel and dispatches events published by
// peer processes until the context is cancelled. Events originating from this
// process are skipped; local subscribers already saw them.
func (b *Bus) Listen(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("events: bad payload", slog.Any("error", err))
					continue
				}
				if ev.Source == b.source {
					continue
				}
				b.dispatch(ctx, ev)
			}
		}
	}()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}
