package discounts

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
)

type Discount struct {
	ID             string
	TenantID       string
	Name           string
	Code           string
	Rule           Rule
	MinOrderAmount decimal.NullDecimal
	StartsAt       *time.Time
	EndsAt         *time.Time
	IsActive       bool
}

// Amount is the rule's raw value clamped to [0, subtotal] and rounded to cents.
func (d Discount) Amount(c Cart) decimal.Decimal {
	if d.Rule == nil {
		return decimal.Zero
	}
	amt := d.Rule.raw(c)
	if amt.IsNegative() {
		amt = decimal.Zero
	}
	if amt.GreaterThan(c.Subtotal) {
		amt = c.Subtotal
	}
	return amt.Round(2)
}

func (d Discount) started(at time.Time) bool { return d.StartsAt == nil || !at.Before(*d.StartsAt) }
func (d Discount) ended(at time.Time) bool   { return d.EndsAt != nil && at.After(*d.EndsAt) }

func (d Discount) meetsMinimum(c Cart) bool {
	return !d.MinOrderAmount.Valid || !c.Subtotal.LessThan(d.MinOrderAmount.Decimal)
}

type Result struct {
	DiscountID string          `json:"discount_id"`
	Name       string          `json:"name"`
	Kind       Kind            `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
}

// Querier reads discount definitions. Scope filtering by customer happens in the query: a
// discount scoped to other customers is not visible at all.
type Querier interface {
	ActiveDiscounts(ctx context.Context, tenantID, customerID string, at time.Time) ([]Discount, error)
	DiscountByCode(ctx context.Context, tenantID, customerID, code string) (Discount, error)
}

type Resolver struct {
	clock func() time.Time
	log   *zap.Logger
}

func NewResolver(clock func() time.Time, log *zap.Logger) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{clock: clock, log: logging.OrNop(log)}
}

// Validate checks one explicitly entered code against the cart.
func (r *Resolver) Validate(ctx context.Context, q Querier, tenantID, customerID, code string, cart Cart) (Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Result{}, apperr.New(apperr.CodeValidation, "discount code is required")
	}

	d, err := q.DiscountByCode(ctx, tenantID, customerID, code)
	if err != nil {
		return Result{}, err
	}

	now := r.clock()
	switch {
	case !d.IsActive:
		return Result{}, apperr.Newf(apperr.CodeDiscountInactive, "discount %q is not active", d.Name)
	case !d.started(now):
		return Result{}, apperr.Newf(apperr.CodeDiscountNotStarted, "discount %q is not valid yet", d.Name)
	case d.ended(now):
		return Result{}, apperr.Newf(apperr.CodeDiscountExpired, "discount %q has expired", d.Name)
	case !d.meetsMinimum(cart):
		return Result{}, apperr.Newf(apperr.CodeDiscountMinimumNotMet,
			"order total must be at least %s", d.MinOrderAmount.Decimal.StringFixed(2)).
			WithDetails(map[string]string{"min_order_amount": d.MinOrderAmount.Decimal.StringFixed(2)})
	}

	amt := d.Amount(cart)
	if !amt.IsPositive() {
		return Result{}, apperr.Newf(apperr.CodeDiscountNotApplicable, "discount %q does not apply to this cart", d.Name)
	}
	return Result{DiscountID: d.ID, Name: d.Name, Kind: d.Rule.Kind(), Amount: amt}, nil
}

// Best returns the applicable discount with the strictly greatest amount; the first one wins a tie.
// A nil result means nothing applies, which is not an error.
func (r *Resolver) Best(ctx context.Context, q Querier, tenantID, customerID string, cart Cart) (*Result, error) {
	if !cart.Subtotal.IsPositive() {
		return nil, nil
	}

	now := r.clock()
	list, err := q.ActiveDiscounts(ctx, tenantID, customerID, now)
	if err != nil {
		return nil, err
	}

	var best *Result
	for _, d := range list {
		if !d.IsActive || !d.started(now) || d.ended(now) || !d.meetsMinimum(cart) || d.Rule == nil {
			continue
		}
		amt := d.Amount(cart)
		if !amt.IsPositive() {
			continue
		}
		if best == nil || amt.GreaterThan(best.Amount) {
			best = &Result{DiscountID: d.ID, Name: d.Name, Kind: d.Rule.Kind(), Amount: amt}
		}
	}

	if best != nil {
		r.log.Debug("discount resolved",
			zap.String("tenant_id", tenantID),
			zap.String("discount_id", best.DiscountID),
			zap.String("amount", best.Amount.StringFixed(2)))
	}
	return best, nil
}

// NotFound is returned by Querier implementations when no visible discount matches a code.
func NotFound(code string) error {
	return apperr.Newf(apperr.CodeDiscountNotFound, "discount %q not found", code)
}

func IsNotFound(err error) bool {
	return apperr.Has(err, apperr.CodeDiscountNotFound)
}
