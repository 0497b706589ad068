package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/tiers"
)

var _ tiers.Repository = (*Store)(nil)

func (s *Store) ActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM tenants WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, classify(err, "", "active tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "", "scan tenant")
		}
		out = append(out, id)
	}
	return out, classify(rows.Err(), "", "active tenants")
}

func (s *Store) Rules(ctx context.Context, tenantID string, d tiers.Direction) ([]tiers.Rule, error) {
	var sql string
	switch d {
	case tiers.Downgrade:
		sql = `SELECT id, from_tier_id, to_tier_id, condition_type, condition_value, 0, 0
			FROM tier_downgrade_rules WHERE tenant_id = $1 AND is_active ORDER BY created_at, id`
	case tiers.Upgrade:
		sql = `SELECT id, from_tier_id, to_tier_id, condition_type, condition_value, period_days, cooldown_days
			FROM tier_upgrade_rules WHERE tenant_id = $1 AND is_active ORDER BY created_at, id`
	default:
		return nil, apperr.Newf(apperr.CodeTierRuleInvalid, "unknown direction %q", d)
	}

	rows, err := s.db.Query(ctx, sql, tenantID)
	if err != nil {
		return nil, classify(err, "", "tier rules")
	}
	defer rows.Close()

	var out []tiers.Rule
	for rows.Next() {
		r := tiers.Rule{TenantID: tenantID, Direction: d}
		var cond string
		if err := rows.Scan(&r.ID, &r.FromTierID, &r.ToTierID, &cond, &r.ConditionValue, &r.PeriodDays, &r.CooldownDays); err != nil {
			return nil, classify(err, "", "scan tier rule")
		}
		r.Condition = tiers.ConditionType(cond)
		out = append(out, r)
	}
	return out, classify(rows.Err(), "", "tier rules")
}

func (s *Store) Tier(ctx context.Context, tenantID, tierID string) (tiers.Tier, error) {
	t := tiers.Tier{TenantID: tenantID}
	err := s.db.QueryRow(ctx, `
		SELECT id, name, credit_limit, payment_terms_days FROM customer_tiers
		WHERE tenant_id = $1 AND id = $2`, tenantID, tierID).
		Scan(&t.ID, &t.Name, &t.CreditLimit, &t.PaymentTermsDays)
	if err != nil {
		return tiers.Tier{}, classify(err, apperr.CodeTierNotFound, "tier "+tierID)
	}
	return t, nil
}

func (s *Store) CustomersInTier(ctx context.Context, tenantID, tierID string) ([]tiers.Customer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, tier_id, debt_balance, last_order_date FROM customers
		WHERE tenant_id = $1 AND tier_id = $2 ORDER BY id`, tenantID, tierID)
	if err != nil {
		return nil, classify(err, "", "customers in tier")
	}
	defer rows.Close()

	var out []tiers.Customer
	for rows.Next() {
		c := tiers.Customer{TenantID: tenantID}
		if err := rows.Scan(&c.ID, &c.TierID, &c.DebtBalance, &c.LastOrderDate); err != nil {
			return nil, classify(err, "", "scan customer")
		}
		out = append(out, c)
	}
	return out, classify(rows.Err(), "", "customers in tier")
}

func (s *Store) HasUnpaidOrderBefore(ctx context.Context, tenantID, customerID string, before time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE tenant_id = $1 AND customer_id = $2
			  AND status <> 'cancelled' AND payment_status <> 'paid'
			  AND created_at < $3)`, tenantID, customerID, before).Scan(&ok)
	if err != nil {
		return false, classify(err, "", "unpaid orders")
	}
	return ok, nil
}

func (s *Store) OrderStats(ctx context.Context, tenantID, customerID string, since time.Time) (tiers.OrderStats, error) {
	var st tiers.OrderStats
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_amount), 0) FROM orders
		WHERE tenant_id = $1 AND customer_id = $2 AND status <> 'cancelled' AND created_at >= $3`,
		tenantID, customerID, since).Scan(&st.Count, &st.TotalSpend)
	if err != nil {
		return tiers.OrderStats{}, classify(err, "", "order stats")
	}
	return st, nil
}

func (s *Store) PaymentStats(ctx context.Context, tenantID, customerID string, since time.Time, termsDays int) (tiers.PaymentStats, error) {
	var st tiers.PaymentStats
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (
		           WHERE payment_status IN ('paid', 'partial')
		             AND paid_at IS NOT NULL
		             AND paid_at <= created_at + make_interval(days => $4))
		FROM orders
		WHERE tenant_id = $1 AND customer_id = $2 AND status <> 'cancelled' AND created_at >= $3`,
		tenantID, customerID, since, termsDays).Scan(&st.Orders, &st.OnTime)
	if err != nil {
		return tiers.PaymentStats{}, classify(err, "", "payment stats")
	}
	return st, nil
}

func (s *Store) ChangedSince(ctx context.Context, tenantID, customerID, ruleID string, since time.Time) (bool, error) {
	return s.read.changedSince(ctx, tenantID, customerID, ruleID, since)
}

func (q queries) changedSince(ctx context.Context, tenantID, customerID, ruleID string, since time.Time) (bool, error) {
	var ok bool
	err := q.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tier_change_log
			WHERE tenant_id = $1 AND customer_id = $2 AND rule_id = $3 AND executed_at >= $4)`,
		tenantID, customerID, ruleID, since).Scan(&ok)
	if err != nil {
		return false, classify(err, "", "tier change log")
	}
	return ok, nil
}

// ApplyChange locks the customer row, re-checks the tier and the change log under that lock, then
// moves the customer and appends the log row.
func (s *Store) ApplyChange(ctx context.Context, c tiers.Change, since time.Time) error {
	return s.inTx(ctx, func(ctx context.Context, q queries) error {
		var current string
		err := q.q.QueryRow(ctx, `
			SELECT COALESCE(tier_id, '') FROM customers WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
			c.TenantID, c.CustomerID).Scan(&current)
		if err != nil {
			return classify(err, apperr.CodeCustomerNotFound, "customer "+c.CustomerID)
		}
		if current != c.FromTierID {
			return apperr.Newf(apperr.CodeTierChangeStale, "customer %s is no longer in tier %s", c.CustomerID, c.FromTierID)
		}

		recent, err := q.changedSince(ctx, c.TenantID, c.CustomerID, c.RuleID, since)
		if err != nil {
			return err
		}
		if recent {
			return apperr.Newf(apperr.CodeTierCooldown, "rule %s already applied to customer %s", c.RuleID, c.CustomerID)
		}

		if _, err := q.q.Exec(ctx, `
			UPDATE customers SET tier_id = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
			c.TenantID, c.CustomerID, c.ToTierID); err != nil {
			return fmt.Errorf("update customer tier: %w", err)
		}
		if _, err := q.q.Exec(ctx, `
			INSERT INTO tier_change_log (id, tenant_id, customer_id, rule_id, change_type, from_tier_id, to_tier_id, reason, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.TenantID, c.CustomerID, c.RuleID, string(c.Direction), c.FromTierID, c.ToTierID, c.Reason, c.ExecutedAt); err != nil {
			return fmt.Errorf("append tier change log: %w", err)
		}
		return nil
	})
}
