package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/orders"
	"github.com/ariefcatur/go-tenant-orders/internal/tiers"
)

// Sink accepts an encoded message without blocking. *kafka.Producer satisfies it.
type Sink interface {
	Publish(topic string, key, value []byte, headers ...kafka.Header) bool
}

type PublisherDeps struct {
	Sink    Sink
	Service string
	Logger  *zap.Logger
	Clock   func() time.Time
	NewID   func() string
}

// Publisher turns committed order and tier changes into envelopes. Failures are logged; the
// change they describe is already durable.
type Publisher struct {
	sink    Sink
	service string
	log     *zap.Logger
	clock   func() time.Time
	newID   func() string
}

var (
	_ orders.Notifier = (*Publisher)(nil)
	_ tiers.Notifier  = (*Publisher)(nil)
)

func NewPublisher(deps PublisherDeps) *Publisher {
	p := &Publisher{
		sink:    deps.Sink,
		service: deps.Service,
		log:     logging.OrNop(deps.Logger),
		clock:   deps.Clock,
		newID:   deps.NewID,
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p
}

func ref(o orders.Order) OrderRef {
	return OrderRef{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		Status:      string(o.Status),
		UpdatedAt:   o.UpdatedAt,
	}
}

func (p *Publisher) OrderCreated(ctx context.Context, o orders.Order, warnings []orders.Warning) {
	payload := OrderCreatedPayload{
		OrderRef:       ref(o),
		Subtotal:       o.SubtotalAmount,
		DiscountAmount: o.DiscountAmount,
		DiscountName:   o.DiscountName,
		Total:          o.TotalAmount,
		Items:          make([]ItemLine, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		payload.Items = append(payload.Items, ItemLine{ProductID: it.ProductID, Qty: it.QtyOrdered, UnitPrice: it.UnitPrice})
	}
	for _, w := range warnings {
		payload.Skipped = append(payload.Skipped, SkippedItem{ProductID: w.ProductID, Qty: w.Qty, Code: string(w.Code), Reason: w.Reason})
	}
	p.emit(ctx, TopicOrderCreated, EventOrderCreated, o.TenantID, o.ID, payload)
}

func (p *Publisher) OrderCancelled(ctx context.Context, o orders.Order, reason string) {
	p.emit(ctx, TopicOrderCancelled, EventOrderCancelled, o.TenantID, o.ID, OrderCancelledPayload{
		OrderRef: ref(o),
		Reason:   reason,
		Refund:   o.TotalAmount,
	})
}

func (p *Publisher) StatusChanged(ctx context.Context, o orders.Order, from orders.Status, note string) {
	p.emit(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, o.TenantID, o.ID, StatusChangedPayload{
		OrderRef: ref(o),
		From:     string(from),
		Note:     note,
	})
}

func (p *Publisher) TierChanged(ctx context.Context, c tiers.Change) {
	p.emit(ctx, TopicTierChanged, EventTierChanged, c.TenantID, c.CustomerID, TierChangedPayload{
		CustomerID: c.CustomerID,
		RuleID:     c.RuleID,
		Direction:  string(c.Direction),
		FromTierID: c.FromTierID,
		ToTierID:   c.ToTierID,
		Reason:     c.Reason,
		ExecutedAt: c.ExecutedAt,
	})
}

func (p *Publisher) emit(ctx context.Context, topic, eventType, tenantID, key string, payload any) {
	log := p.log.With(zap.String("topic", topic), zap.String("tenant_id", tenantID), zap.String("key", key))
	if p.sink == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("encode event payload", zap.Error(err))
		return
	}
	env := Envelope{
		EventID:       p.newID(),
		EventType:     eventType,
		EventVersion:  EventVersion,
		OccurredAt:    p.clock().UTC(),
		Producer:      p.service,
		TenantID:      tenantID,
		CorrelationID: key,
		Payload:       body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	value, err := json.Marshal(env)
	if err != nil {
		log.Error("encode event envelope", zap.Error(err))
		return
	}

	ok := p.sink.Publish(topic, PartitionKey(key), value,
		kafka.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(EventVersion))},
	)
	if !ok {
		log.Warn("event dropped", zap.String("event_id", env.EventID), zap.String("event_type", eventType))
	}
}
