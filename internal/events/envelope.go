// Package events defines the messages published after a transaction commits and the notifier
// that publishes them.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicOrderCreated       = "order.created"
	TopicOrderCancelled     = "order.cancelled"
	TopicOrderStatusChanged = "order.status.changed"
	TopicTierChanged        = "customer.tier.changed"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventTierChanged        = "CustomerTierChanged"
)

const EventVersion = 1

// OrderTopics are the topics that carry an order's status.
var OrderTopics = []string{TopicOrderCreated, TopicOrderCancelled, TopicOrderStatusChanged}

// PartitionKey keeps every event of one entity on one partition, in order.
func PartitionKey(id string) []byte { return []byte(id) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TenantID      string          `json:"tenant_id"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order or customer id
	Payload       json.RawMessage `json:"payload"`
}

type ItemLine struct {
	ProductID string          `json:"product_id"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SkippedItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

// OrderRef is the part every order payload shares.
type OrderRef struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	CustomerID  string    `json:"customer_id"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type OrderCreatedPayload struct {
	OrderRef
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	DiscountName   string          `json:"discount_name,omitempty"`
	Total          decimal.Decimal `json:"total"`
	Items          []ItemLine      `json:"items"`
	Skipped        []SkippedItem   `json:"skipped,omitempty"`
}

type OrderCancelledPayload struct {
	OrderRef
	Reason string          `json:"reason,omitempty"`
	Refund decimal.Decimal `json:"refund"`
}

type StatusChangedPayload struct {
	OrderRef
	From string `json:"from"`
	Note string `json:"note,omitempty"`
}

type TierChangedPayload struct {
	CustomerID string    `json:"customer_id"`
	RuleID     string    `json:"rule_id"`
	Direction  string    `json:"direction"`
	FromTierID string    `json:"from_tier_id"`
	ToTierID   string    `json:"to_tier_id"`
	Reason     string    `json:"reason"`
	ExecutedAt time.Time `json:"executed_at"`
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// UnwrapPayload decodes an envelope payload into its concrete type.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
