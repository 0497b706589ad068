// Package tiers re-evaluates customer pricing tiers in periodic batches. A failure on one
// customer or rule is logged and counted; the batch keeps going.
package tiers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/guard"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-tenant-orders/internal/tiers")

const day = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// Notifier hears about applied tier changes after they commit.
type Notifier interface {
	TierChanged(ctx context.Context, c Change)
}

type Observer interface {
	ObserveTierJob(direction string, processed, changed, skipped, errors int, seconds float64)
}

type EvaluatorDeps struct {
	Repo        Repository
	Locker      guard.Locker
	Notifier    Notifier
	Observer    Observer
	Logger      *zap.Logger
	Clock       func() time.Time
	NewID       func() string
	Concurrency int
	LockTTL     time.Duration
}

type Evaluator struct {
	repo        Repository
	locker      guard.Locker
	notifier    Notifier
	observer    Observer
	log         *zap.Logger
	clock       func() time.Time
	newID       func() string
	concurrency int
	lockTTL     time.Duration
}

func NewEvaluator(deps EvaluatorDeps) (*Evaluator, error) {
	if deps.Repo == nil {
		return nil, errors.New("tier evaluator: repository is required")
	}
	e := &Evaluator{
		repo:        deps.Repo,
		locker:      deps.Locker,
		notifier:    deps.Notifier,
		observer:    deps.Observer,
		log:         logging.OrNop(deps.Logger),
		clock:       deps.Clock,
		newID:       deps.NewID,
		concurrency: deps.Concurrency,
		lockTTL:     deps.LockTTL,
	}
	if e.locker == nil {
		e.locker = guard.NewMemoryLocker(nil)
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	if e.lockTTL <= 0 {
		e.lockTTL = 10 * time.Minute
	}
	return e, nil
}

func (e *Evaluator) RunDowngradeJob(ctx context.Context) (Report, error) {
	return e.run(ctx, Downgrade)
}

func (e *Evaluator) RunUpgradeJob(ctx context.Context) (Report, error) {
	return e.run(ctx, Upgrade)
}

func (e *Evaluator) run(ctx context.Context, d Direction) (Report, error) {
	ctx, span := tracer.Start(ctx, "tiers.Run", trace.WithAttributes(attribute.String("direction", string(d))))
	defer span.End()
	start := e.clock()

	report := Report{Direction: d}
	tenants, err := e.repo.ActiveTenants(ctx)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("list tenants: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, tenantID := range tenants {
		g.Go(func() error {
			r := e.runTenant(gctx, d, tenantID)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	elapsed := e.clock().Sub(start)
	if e.observer != nil {
		e.observer.ObserveTierJob(string(d), report.Processed, report.Changed, report.Skipped, report.Errors, elapsed.Seconds())
	}
	span.SetAttributes(
		attribute.Int("processed", report.Processed),
		attribute.Int("changed", report.Changed),
		attribute.Int("errors", report.Errors),
	)
	e.log.Info("tier job finished",
		zap.String("direction", string(d)),
		zap.Int("tenants", report.Tenants),
		zap.Int("processed", report.Processed),
		zap.Int("changed", report.Changed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Duration("elapsed", elapsed))
	if err := ctx.Err(); err != nil {
		// changes applied before the interruption stay committed and are counted in report
		return report, apperr.Wrap(apperr.CodeTransient, "tier job interrupted", err)
	}
	return report, nil
}

func (e *Evaluator) runTenant(ctx context.Context, d Direction, tenantID string) Report {
	r := Report{}
	log := e.log.With(zap.String("direction", string(d)), zap.String("tenant_id", tenantID))

	release, ok, err := e.locker.Acquire(ctx, fmt.Sprintf("tiers:%s:%s", d, tenantID), e.lockTTL)
	if err != nil {
		log.Error("tier job lock failed", zap.Error(err))
		r.Errors++
		return r
	}
	if !ok {
		log.Info("tier job already running for tenant, skipping")
		return r
	}
	defer release()
	r.Tenants = 1

	rules, err := e.repo.Rules(ctx, tenantID, d)
	if err != nil {
		log.Error("load tier rules failed", zap.Error(err))
		r.Errors++
		return r
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			return r
		}
		r.add(e.runRule(ctx, rule, log.With(zap.String("rule_id", rule.ID))))
	}
	return r
}

func (e *Evaluator) runRule(ctx context.Context, rule Rule, log *zap.Logger) Report {
	r := Report{}
	if err := validateRule(rule); err != nil {
		log.Warn("invalid tier rule", zap.Error(err))
		r.Errors++
		return r
	}

	from, err := e.repo.Tier(ctx, rule.TenantID, rule.FromTierID)
	if err != nil {
		log.Error("load source tier failed", zap.Error(err))
		r.Errors++
		return r
	}
	customers, err := e.repo.CustomersInTier(ctx, rule.TenantID, rule.FromTierID)
	if err != nil {
		log.Error("load customers failed", zap.Error(err))
		r.Errors++
		return r
	}

	for _, c := range customers {
		if ctx.Err() != nil {
			return r
		}
		r.Processed++
		changed, skipped, err := e.evaluateCustomer(ctx, rule, from, c)
		switch {
		case err != nil:
			log.Warn("tier evaluation failed", zap.String("customer_id", c.ID), zap.Error(err))
			r.Errors++
		case skipped:
			r.Skipped++
		case changed:
			r.Changed++
		}
	}
	return r
}

func (e *Evaluator) evaluateCustomer(ctx context.Context, rule Rule, from Tier, c Customer) (changed, skipped bool, err error) {
	now := e.clock().UTC()
	hit, reason, err := e.check(ctx, rule, from, c, now)
	if err != nil || !hit {
		return false, false, err
	}

	since := now.Add(-rule.Window())
	recent, err := e.repo.ChangedSince(ctx, rule.TenantID, c.ID, rule.ID, since)
	if err != nil {
		return false, false, err
	}
	if recent {
		return false, true, nil
	}

	change := Change{
		ID:         e.newID(),
		TenantID:   rule.TenantID,
		CustomerID: c.ID,
		RuleID:     rule.ID,
		Direction:  rule.Direction,
		FromTierID: rule.FromTierID,
		ToTierID:   rule.ToTierID,
		Reason:     reason,
		ExecutedAt: now,
	}
	if err := e.repo.ApplyChange(ctx, change, since); err != nil {
		if apperr.Has(err, apperr.CodeTierChangeStale) || apperr.Has(err, apperr.CodeTierCooldown) {
			return false, true, nil
		}
		return false, false, err
	}

	e.log.Info("customer tier changed",
		zap.String("tenant_id", rule.TenantID),
		zap.String("customer_id", c.ID),
		zap.String("rule_id", rule.ID),
		zap.String("from_tier_id", rule.FromTierID),
		zap.String("to_tier_id", rule.ToTierID),
		zap.String("reason", reason))
	if e.notifier != nil {
		e.notifier.TierChanged(ctx, change)
	}
	return true, false, nil
}

// check reports whether the rule's condition holds for the customer, with a readable reason.
func (e *Evaluator) check(ctx context.Context, rule Rule, from Tier, c Customer, now time.Time) (bool, string, error) {
	v := rule.ConditionValue
	switch rule.Condition {
	case CondDaysSinceOrder:
		days := int(v.IntPart())
		if c.LastOrderDate == nil {
			return true, fmt.Sprintf("no orders placed (threshold %d days)", days), nil
		}
		idle := now.Sub(*c.LastOrderDate)
		if idle > time.Duration(days)*day {
			return true, fmt.Sprintf("no order for %d days (threshold %d)", int(idle/day), days), nil
		}
		return false, "", nil

	case CondDebtOverLimit:
		if !from.CreditLimit.IsPositive() {
			return false, "", nil
		}
		ceiling := from.CreditLimit.Mul(hundred.Add(v)).Div(hundred)
		if c.DebtBalance.GreaterThan(ceiling) {
			return true, fmt.Sprintf("debt %s exceeds credit limit %s by more than %s%%",
				c.DebtBalance.StringFixed(2), from.CreditLimit.StringFixed(2), v.String()), nil
		}
		return false, "", nil

	case CondDebtOverdueDays:
		days := int(v.IntPart())
		overdue, err := e.repo.HasUnpaidOrderBefore(ctx, rule.TenantID, c.ID, now.Add(-time.Duration(days)*day))
		if err != nil {
			return false, "", err
		}
		if overdue {
			return true, fmt.Sprintf("unpaid order older than %d days", days), nil
		}
		return false, "", nil

	case CondOrdersCount, CondTotalSpend:
		stats, err := e.repo.OrderStats(ctx, rule.TenantID, c.ID, now.Add(-time.Duration(rule.PeriodDays)*day))
		if err != nil {
			return false, "", err
		}
		if rule.Condition == CondOrdersCount {
			if decimal.NewFromInt(int64(stats.Count)).GreaterThanOrEqual(v) {
				return true, fmt.Sprintf("%d orders in the last %d days (threshold %s)", stats.Count, rule.PeriodDays, v.String()), nil
			}
			return false, "", nil
		}
		if stats.TotalSpend.GreaterThanOrEqual(v) {
			return true, fmt.Sprintf("spent %s in the last %d days (threshold %s)",
				stats.TotalSpend.StringFixed(2), rule.PeriodDays, v.StringFixed(2)), nil
		}
		return false, "", nil

	case CondOnTimePaymentPct:
		stats, err := e.repo.PaymentStats(ctx, rule.TenantID, c.ID, now.Add(-time.Duration(rule.PeriodDays)*day), from.PaymentTermsDays)
		if err != nil {
			return false, "", err
		}
		if stats.Orders < MinPaymentSample {
			return false, "", nil
		}
		pct := decimal.NewFromInt(int64(stats.OnTime)).Mul(hundred).Div(decimal.NewFromInt(int64(stats.Orders)))
		if pct.GreaterThanOrEqual(v) {
			return true, fmt.Sprintf("%s%% of %d orders paid on time (threshold %s%%)", pct.StringFixed(1), stats.Orders, v.String()), nil
		}
		return false, "", nil
	}
	return false, "", apperr.Newf(apperr.CodeTierRuleInvalid, "unknown condition %q", rule.Condition)
}

func validateRule(r Rule) error {
	if r.FromTierID == "" || r.ToTierID == "" || r.FromTierID == r.ToTierID {
		return apperr.Newf(apperr.CodeTierRuleInvalid, "rule %s must move between two different tiers", r.ID)
	}
	if r.ConditionValue.IsNegative() {
		return apperr.Newf(apperr.CodeTierRuleInvalid, "rule %s has a negative condition value", r.ID)
	}
	allowed := map[Direction][]ConditionType{
		Downgrade: {CondDaysSinceOrder, CondDebtOverLimit, CondDebtOverdueDays},
		Upgrade:   {CondOrdersCount, CondTotalSpend, CondOnTimePaymentPct},
	}
	for _, c := range allowed[r.Direction] {
		if c == r.Condition {
			if r.Direction == Upgrade && r.PeriodDays <= 0 {
				return apperr.Newf(apperr.CodeTierRuleInvalid, "upgrade rule %s needs a positive period", r.ID)
			}
			return nil
		}
	}
	return apperr.Newf(apperr.CodeTierRuleInvalid, "condition %q is not valid for %s rules", r.Condition, r.Direction)
}
