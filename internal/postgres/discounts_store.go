package postgres

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-tenant-orders/internal/discounts"
)

// A discount with scope rows is only visible to the customers listed; one without is tenant-wide.
const discountVisible = `
	(NOT EXISTS (SELECT 1 FROM discount_scopes s WHERE s.discount_id = d.id)
	 OR EXISTS (SELECT 1 FROM discount_scopes s WHERE s.discount_id = d.id AND s.customer_id = $2))`

const discountColumns = `d.id, d.tenant_id, d.name, COALESCE(d.code, ''), d.type, d.value,
	d.min_order_amount, d.max_discount_amount, d.buy_qty, d.free_qty, d.starts_at, d.ends_at, d.is_active`

type discountRow struct {
	d      discounts.Discount
	spec   discounts.RuleSpec
	kind   string
	minAmt decimal.NullDecimal
}

func (s *Store) ActiveDiscounts(ctx context.Context, tenantID, customerID string, at time.Time) ([]discounts.Discount, error) {
	return s.read.ActiveDiscounts(ctx, tenantID, customerID, at)
}

func (s *Store) DiscountByCode(ctx context.Context, tenantID, customerID, code string) (discounts.Discount, error) {
	return s.read.DiscountByCode(ctx, tenantID, customerID, code)
}

func (q queries) ActiveDiscounts(ctx context.Context, tenantID, customerID string, at time.Time) ([]discounts.Discount, error) {
	rows, err := q.q.Query(ctx, `
		SELECT `+discountColumns+`
		FROM discounts d
		WHERE d.tenant_id = $1 AND d.is_active
		  AND (d.starts_at IS NULL OR d.starts_at <= $3)
		  AND (d.ends_at IS NULL OR d.ends_at >= $3)
		  AND `+discountVisible+`
		ORDER BY d.created_at, d.id`, tenantID, customerID, at)
	if err != nil {
		return nil, classify(err, "", "active discounts")
	}
	defer rows.Close()

	var list []discountRow
	for rows.Next() {
		r, err := scanDiscount(rows)
		if err != nil {
			return nil, classify(err, "", "scan discount")
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "", "active discounts")
	}
	return q.buildDiscounts(ctx, list)
}

func (q queries) DiscountByCode(ctx context.Context, tenantID, customerID, code string) (discounts.Discount, error) {
	row := q.q.QueryRow(ctx, `
		SELECT `+discountColumns+`
		FROM discounts d
		WHERE d.tenant_id = $1 AND (lower(d.code) = lower($3) OR lower(d.name) = lower($3))
		  AND `+discountVisible+`
		ORDER BY (lower(d.code) = lower($3)) IS TRUE DESC, d.created_at
		LIMIT 1`, tenantID, customerID, code)
	r, err := scanDiscount(row)
	if err != nil {
		if isNoRows(err) {
			return discounts.Discount{}, discounts.NotFound(code)
		}
		return discounts.Discount{}, classify(err, "", "discount by code")
	}
	out, err := q.buildDiscounts(ctx, []discountRow{r})
	if err != nil {
		return discounts.Discount{}, err
	}
	if len(out) == 0 {
		// malformed definition: returned without a rule, which validates as not applicable
		return r.d, nil
	}
	return out[0], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDiscount(row scanner) (discountRow, error) {
	var r discountRow
	var maxAmt decimal.NullDecimal
	err := row.Scan(&r.d.ID, &r.d.TenantID, &r.d.Name, &r.d.Code, &r.kind, &r.spec.Value,
		&r.minAmt, &maxAmt, &r.spec.BuyQty, &r.spec.FreeQty, &r.d.StartsAt, &r.d.EndsAt, &r.d.IsActive)
	if err != nil {
		return r, err
	}
	r.spec.Kind = discounts.Kind(r.kind)
	r.spec.MaxAmount = maxAmt
	r.d.MinOrderAmount = r.minAmt
	return r, nil
}

// buildDiscounts loads volume tiers for volume discounts in one query and turns every row into its
// rule variant. Rows with a malformed definition are dropped from automatic selection.
func (q queries) buildDiscounts(ctx context.Context, list []discountRow) ([]discounts.Discount, error) {
	var volumeIDs []string
	for _, r := range list {
		if r.spec.Kind == discounts.KindVolume {
			volumeIDs = append(volumeIDs, r.d.ID)
		}
	}

	tiers := map[string][]discounts.VolumeTier{}
	if len(volumeIDs) > 0 {
		rows, err := q.q.Query(ctx, `
			SELECT discount_id, min_qty, discount_percent FROM volume_tiers
			WHERE discount_id = ANY($1) ORDER BY discount_id, min_qty`, volumeIDs)
		if err != nil {
			return nil, classify(err, "", "volume tiers")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var t discounts.VolumeTier
			if err := rows.Scan(&id, &t.MinQty, &t.Percent); err != nil {
				return nil, classify(err, "", "scan volume tier")
			}
			tiers[id] = append(tiers[id], t)
		}
		if err := rows.Err(); err != nil {
			return nil, classify(err, "", "volume tiers")
		}
	}

	out := make([]discounts.Discount, 0, len(list))
	for _, r := range list {
		r.spec.Tiers = tiers[r.d.ID]
		rule, err := discounts.Build(r.spec)
		if err != nil {
			continue
		}
		r.d.Rule = rule
		out = append(out, r.d)
	}
	return out, nil
}
