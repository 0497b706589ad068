package events

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/orders"
	"github.com/ariefcatur/go-tenant-orders/internal/tiers"
)

type sent struct {
	topic   string
	key     []byte
	value   []byte
	headers []kafka.Header
}

type recordingSink struct {
	msgs   []sent
	reject bool
}

func (s *recordingSink) Publish(topic string, key, value []byte, headers ...kafka.Header) bool {
	if s.reject {
		return false
	}
	s.msgs = append(s.msgs, sent{topic, key, value, headers})
	return true
}

var fixed = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

func newTestPublisher(sink Sink) *Publisher {
	return NewPublisher(PublisherDeps{
		Sink:    sink,
		Service: "order-api",
		Clock:   func() time.Time { return fixed },
		NewID:   func() string { return "evt-1" },
	})
}

func sampleOrder() orders.Order {
	return orders.Order{
		ID: "o1", TenantID: "t1", CustomerID: "c1", OrderNumber: "ORD010304",
		Status:         orders.StatusPending,
		SubtotalAmount: decimal.NewFromInt(100000),
		DiscountAmount: decimal.NewFromInt(5000),
		DiscountName:   "Promo 10",
		TotalAmount:    decimal.NewFromInt(95000),
		UpdatedAt:      fixed,
		Items: []orders.OrderItem{
			{ProductID: "p1", QtyOrdered: 2, UnitPrice: decimal.NewFromInt(50000)},
		},
	}
}

func TestPublisher_OrderCreated(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPublisher(sink)

	warnings := []orders.Warning{{ProductID: "p9", Qty: 1, Code: apperr.CodeItemNotFound, Reason: "product not found"}}
	p.OrderCreated(context.Background(), sampleOrder(), warnings)

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	assert.Equal(t, TopicOrderCreated, msg.topic)
	assert.Equal(t, []byte("o1"), msg.key)
	assert.Equal(t, "x-event-type", msg.headers[0].Key)
	assert.Equal(t, EventOrderCreated, string(msg.headers[0].Value))

	env, err := Decode(msg.value)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", env.EventID)
	assert.Equal(t, EventOrderCreated, env.EventType)
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, "order-api", env.Producer)
	assert.True(t, env.OccurredAt.Equal(fixed))
	assert.Empty(t, env.TraceID)

	payload, err := UnwrapPayload[OrderCreatedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "ORD010304", payload.OrderNumber)
	assert.Equal(t, "pending", payload.Status)
	assert.True(t, payload.Total.Equal(decimal.NewFromInt(95000)))
	require.Len(t, payload.Items, 1)
	assert.Equal(t, 2, payload.Items[0].Qty)
	require.Len(t, payload.Skipped, 1)
	assert.Equal(t, "ITEM_NOT_FOUND", payload.Skipped[0].Code)
}

func TestPublisher_StatusChangedCarriesTraceID(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPublisher(sink)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:  trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	o := sampleOrder()
	o.Status = orders.StatusConfirmed
	p.StatusChanged(ctx, o, orders.StatusPending, "checked")

	require.Len(t, sink.msgs, 1)
	env, err := Decode(sink.msgs[0].value)
	require.NoError(t, err)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", env.TraceID)

	payload, err := UnwrapPayload[StatusChangedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "pending", payload.From)
	assert.Equal(t, "confirmed", payload.Status)
	assert.Equal(t, "checked", payload.Note)
}

func TestPublisher_TierChangedKeyedByCustomer(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPublisher(sink)

	p.TierChanged(context.Background(), tiers.Change{
		TenantID: "t1", CustomerID: "c1", RuleID: "r1", Direction: tiers.Upgrade,
		FromTierID: "silver", ToTierID: "gold", Reason: "spent 5000000 in 30 days", ExecutedAt: fixed,
	})

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, TopicTierChanged, sink.msgs[0].topic)
	assert.Equal(t, []byte("c1"), sink.msgs[0].key)

	env, err := Decode(sink.msgs[0].value)
	require.NoError(t, err)
	payload, err := UnwrapPayload[TierChangedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "upgrade", payload.Direction)
	assert.Equal(t, "gold", payload.ToTierID)
}

func TestPublisher_DroppedAndNilSinkDoNotPanic(t *testing.T) {
	newTestPublisher(&recordingSink{reject: true}).OrderCancelled(context.Background(), sampleOrder(), "changed my mind")
	NewPublisher(PublisherDeps{}).OrderCancelled(context.Background(), sampleOrder(), "")
}
