package tiers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Downgrade Direction = "downgrade"
	Upgrade   Direction = "upgrade"
)

type ConditionType string

const (
	// downgrade
	CondDaysSinceOrder  ConditionType = "days_since_order"
	CondDebtOverLimit   ConditionType = "debt_over_limit"
	CondDebtOverdueDays ConditionType = "debt_overdue_days"

	// upgrade, over the rule's trailing period
	CondOrdersCount      ConditionType = "orders_count"
	CondTotalSpend       ConditionType = "total_spend"
	CondOnTimePaymentPct ConditionType = "on_time_payment_pct"
)

// MinPaymentSample is the number of orders needed before on-time percentage counts.
const MinPaymentSample = 3

type Rule struct {
	ID             string
	TenantID       string
	Direction      Direction
	FromTierID     string
	ToTierID       string
	Condition      ConditionType
	ConditionValue decimal.Decimal
	PeriodDays     int
	CooldownDays   int
}

// Window is how long a change made by this rule protects the customer from the same rule.
func (r Rule) Window() time.Duration {
	if r.Direction == Upgrade && r.CooldownDays > 0 {
		return time.Duration(r.CooldownDays) * 24 * time.Hour
	}
	return 24 * time.Hour
}

type Tier struct {
	ID               string
	TenantID         string
	Name             string
	CreditLimit      decimal.Decimal
	PaymentTermsDays int
}

type Customer struct {
	ID            string
	TenantID      string
	TierID        string
	DebtBalance   decimal.Decimal
	LastOrderDate *time.Time
}

type OrderStats struct {
	Count      int
	TotalSpend decimal.Decimal
}

type PaymentStats struct {
	Orders int
	OnTime int
}

// Change is one row of the append-only tier change log.
type Change struct {
	ID         string
	TenantID   string
	CustomerID string
	RuleID     string
	Direction  Direction
	FromTierID string
	ToTierID   string
	Reason     string
	ExecutedAt time.Time
}

type Repository interface {
	ActiveTenants(ctx context.Context) ([]string, error)
	Rules(ctx context.Context, tenantID string, d Direction) ([]Rule, error)
	Tier(ctx context.Context, tenantID, tierID string) (Tier, error)
	CustomersInTier(ctx context.Context, tenantID, tierID string) ([]Customer, error)

	HasUnpaidOrderBefore(ctx context.Context, tenantID, customerID string, before time.Time) (bool, error)
	OrderStats(ctx context.Context, tenantID, customerID string, since time.Time) (OrderStats, error)
	// PaymentStats counts non-cancelled orders since the given time and how many of them were
	// paid (or partially paid) within termsDays of creation.
	PaymentStats(ctx context.Context, tenantID, customerID string, since time.Time, termsDays int) (PaymentStats, error)

	ChangedSince(ctx context.Context, tenantID, customerID, ruleID string, since time.Time) (bool, error)
	// ApplyChange moves the customer and appends the log row in one transaction. It fails with
	// TIER_CHANGE_STALE if the customer is no longer in c.FromTierID and TIER_COOLDOWN if the same
	// rule already fired since the given time.
	ApplyChange(ctx context.Context, c Change, since time.Time) error
}

type Report struct {
	Direction Direction `json:"direction"`
	Tenants   int       `json:"tenants"`
	Processed int       `json:"processed"`
	Changed   int       `json:"changed"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
}

func (r *Report) add(o Report) {
	r.Tenants += o.Tenants
	r.Processed += o.Processed
	r.Changed += o.Changed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// MarshalJSON names the change counter after the direction: downgraded or upgraded.
func (r Report) MarshalJSON() ([]byte, error) {
	changed := "changed"
	switch r.Direction {
	case Downgrade:
		changed = "downgraded"
	case Upgrade:
		changed = "upgraded"
	}
	return json.Marshal(map[string]any{
		"direction": r.Direction,
		"tenants":   r.Tenants,
		"processed": r.Processed,
		changed:     r.Changed,
		"skipped":   r.Skipped,
		"errors":    r.Errors,
	})
}
