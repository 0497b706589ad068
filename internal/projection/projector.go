package projection

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/events"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/redisx"
)

// Projector consumes order events and writes the status cache. Redelivered events are skipped by
// event id.
type Projector struct {
	rdb   redis.UniversalClient
	cache *Cache
	name  string
	log   *zap.Logger
}

func NewProjector(rdb redis.UniversalClient, name string, log *zap.Logger) *Projector {
	return &Projector{rdb: rdb, cache: NewCache(rdb), name: name, log: logging.OrNop(log)}
}

// Handle has the kafka.Handler signature. A message whose write fails is not retried; the status
// read path falls back to Postgres on a miss.
func (p *Projector) Handle(ctx context.Context, m kafka.Message) error {
	env, err := events.Decode(m.Value)
	if err != nil {
		// poison message: log and commit so it does not block the partition
		p.log.Error("undecodable order event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	switch env.EventType {
	case events.EventOrderCreated, events.EventOrderCancelled, events.EventOrderStatusChanged:
	default:
		return nil
	}

	dedupKey := redisx.Dedup(p.name, env.EventID)
	seen, err := redisx.Exists(ctx, p.rdb, dedupKey)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		return nil
	}

	ref, err := events.UnwrapPayload[events.OrderRef](env.Payload)
	if err != nil {
		p.log.Error("undecodable order payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	at := ref.UpdatedAt
	if at.IsZero() {
		at = env.OccurredAt
	}
	applied, err := p.cache.Put(ctx, env.TenantID, Status{
		OrderID:     ref.OrderID,
		OrderNumber: ref.OrderNumber,
		Status:      ref.Status,
		UpdatedAt:   at,
	})
	if err != nil {
		return fmt.Errorf("write status cache: %w", err)
	}
	if _, err := redisx.MarkOnce(ctx, p.rdb, dedupKey, redisx.TTLDedup); err != nil {
		p.log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
	}

	p.log.Debug("order status projected",
		zap.String("tenant_id", env.TenantID),
		zap.String("order_id", ref.OrderID),
		zap.String("status", ref.Status),
		zap.Bool("applied", applied))
	return nil
}
