package tiers

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/guard"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRepo struct {
	mu        sync.Mutex
	tenants   []string
	rules     map[Direction][]Rule
	tiers     map[string]Tier
	customers map[string]*Customer
	changes   []Change
	unpaid    map[string]bool
	unpaidErr map[string]error
	stats     map[string]OrderStats
	payments  map[string]PaymentStats
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tenants: []string{"t1"},
		rules:   map[Direction][]Rule{},
		tiers: map[string]Tier{
			"gold":   {ID: "gold", TenantID: "t1", Name: "Gold", CreditLimit: decimal.NewFromInt(1000), PaymentTermsDays: 30},
			"silver": {ID: "silver", TenantID: "t1", Name: "Silver", CreditLimit: decimal.NewFromInt(500), PaymentTermsDays: 14},
		},
		customers: map[string]*Customer{},
		unpaid:    map[string]bool{},
		unpaidErr: map[string]error{},
		stats:     map[string]OrderStats{},
		payments:  map[string]PaymentStats{},
	}
}

func (f *fakeRepo) addCustomer(id, tier string, debt string, lastOrder *time.Time) {
	f.customers[id] = &Customer{ID: id, TenantID: "t1", TierID: tier, DebtBalance: decimal.RequireFromString(debt), LastOrderDate: lastOrder}
}

func (f *fakeRepo) ActiveTenants(context.Context) ([]string, error) { return f.tenants, nil }

func (f *fakeRepo) Rules(_ context.Context, tenantID string, d Direction) ([]Rule, error) {
	var out []Rule
	for _, r := range f.rules[d] {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) Tier(_ context.Context, _, id string) (Tier, error) {
	t, ok := f.tiers[id]
	if !ok {
		return Tier{}, apperr.Newf(apperr.CodeTierNotFound, "tier %s not found", id)
	}
	return t, nil
}

func (f *fakeRepo) CustomersInTier(_ context.Context, tenantID, tierID string) ([]Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Customer
	for _, id := range sortedKeys(f.customers) {
		c := f.customers[id]
		if c.TenantID == tenantID && c.TierID == tierID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeRepo) HasUnpaidOrderBefore(_ context.Context, _, customerID string, _ time.Time) (bool, error) {
	if err := f.unpaidErr[customerID]; err != nil {
		return false, err
	}
	return f.unpaid[customerID], nil
}

func (f *fakeRepo) OrderStats(_ context.Context, _, customerID string, _ time.Time) (OrderStats, error) {
	return f.stats[customerID], nil
}

func (f *fakeRepo) PaymentStats(_ context.Context, _, customerID string, _ time.Time, _ int) (PaymentStats, error) {
	return f.payments[customerID], nil
}

func (f *fakeRepo) ChangedSince(_ context.Context, _, customerID, ruleID string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changedSince(customerID, ruleID, since), nil
}

func (f *fakeRepo) changedSince(customerID, ruleID string, since time.Time) bool {
	for _, c := range f.changes {
		if c.CustomerID == customerID && c.RuleID == ruleID && !c.ExecutedAt.Before(since) {
			return true
		}
	}
	return false
}

func (f *fakeRepo) ApplyChange(_ context.Context, c Change, since time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cust := f.customers[c.CustomerID]
	if cust.TierID != c.FromTierID {
		return apperr.New(apperr.CodeTierChangeStale, "customer moved")
	}
	if f.changedSince(c.CustomerID, c.RuleID, since) {
		return apperr.New(apperr.CodeTierCooldown, "rule already applied")
	}
	cust.TierID = c.ToTierID
	f.changes = append(f.changes, c)
	return nil
}

func sortedKeys(m map[string]*Customer) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recordingNotifier) TierChanged(_ context.Context, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func newEvaluator(t *testing.T, repo Repository, clock func() time.Time, n Notifier) *Evaluator {
	t.Helper()
	if clock == nil {
		clock = func() time.Time { return now }
	}
	e, err := NewEvaluator(EvaluatorDeps{Repo: repo, Clock: clock, Notifier: n, Concurrency: 2})
	require.NoError(t, err)
	return e
}

func downgradeRule(id string, cond ConditionType, value int64) Rule {
	return Rule{ID: id, TenantID: "t1", Direction: Downgrade, FromTierID: "gold", ToTierID: "silver",
		Condition: cond, ConditionValue: decimal.NewFromInt(value)}
}

func upgradeRule(id string, cond ConditionType, value string, cooldown int) Rule {
	return Rule{ID: id, TenantID: "t1", Direction: Upgrade, FromTierID: "silver", ToTierID: "gold",
		Condition: cond, ConditionValue: decimal.RequireFromString(value), PeriodDays: 90, CooldownDays: cooldown}
}

func TestDowngradeIdleCustomerOnlyOncePerWindow(t *testing.T) {
	repo := newFakeRepo()
	old := now.Add(-40 * day)
	recent := now.Add(-2 * day)
	repo.addCustomer("idle", "gold", "0", &old)
	repo.addCustomer("never", "gold", "0", nil)
	repo.addCustomer("active", "gold", "0", &recent)
	repo.rules[Downgrade] = []Rule{downgradeRule("r1", CondDaysSinceOrder, 30)}
	n := &recordingNotifier{}
	e := newEvaluator(t, repo, nil, n)

	rep, err := e.RunDowngradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Direction: Downgrade, Tenants: 1, Processed: 3, Changed: 2}, rep)
	require.Equal(t, "silver", repo.customers["idle"].TierID)
	require.Equal(t, "silver", repo.customers["never"].TierID)
	require.Equal(t, "gold", repo.customers["active"].TierID)
	require.Len(t, n.changes, 2)
	require.Contains(t, n.changes[0].Reason, "threshold 30")

	// moved back by hand; the same rule must not fire again inside 24h
	repo.customers["idle"].TierID = "gold"
	rep, err = e.RunDowngradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, rep.Changed)
	require.Equal(t, 1, rep.Skipped)
	require.Equal(t, "gold", repo.customers["idle"].TierID)
	require.Len(t, repo.changes, 2)
}

func TestDowngradeDebtOverLimit(t *testing.T) {
	repo := newFakeRepo()
	repo.addCustomer("at", "gold", "1100", nil)
	repo.addCustomer("over", "gold", "1100.01", nil)
	repo.rules[Downgrade] = []Rule{downgradeRule("r1", CondDebtOverLimit, 10)}
	e := newEvaluator(t, repo, nil, nil)

	rep, err := e.RunDowngradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Changed)
	require.Equal(t, "gold", repo.customers["at"].TierID)
	require.Equal(t, "silver", repo.customers["over"].TierID)
}

func TestDowngradeErrorsAreIsolated(t *testing.T) {
	repo := newFakeRepo()
	repo.addCustomer("a", "gold", "0", nil)
	repo.addCustomer("b", "gold", "0", nil)
	repo.unpaid["b"] = true
	repo.unpaidErr["a"] = errors.New("connection reset")
	repo.rules[Downgrade] = []Rule{
		downgradeRule("bad", ConditionType("weather"), 1),
		downgradeRule("r1", CondDebtOverdueDays, 45),
	}
	e := newEvaluator(t, repo, nil, nil)

	rep, err := e.RunDowngradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.Errors)
	require.Equal(t, 2, rep.Processed)
	require.Equal(t, 1, rep.Changed)
	require.Equal(t, "silver", repo.customers["b"].TierID)
}

func TestUpgradeRespectsCooldown(t *testing.T) {
	repo := newFakeRepo()
	repo.addCustomer("c1", "silver", "0", nil)
	repo.stats["c1"] = OrderStats{Count: 12, TotalSpend: decimal.NewFromInt(5000)}
	repo.rules[Upgrade] = []Rule{upgradeRule("u1", CondOrdersCount, "10", 7)}
	repo.changes = []Change{{CustomerID: "c1", RuleID: "u1", ExecutedAt: now.Add(-3 * day)}}

	clock := now
	e := newEvaluator(t, repo, func() time.Time { return clock }, nil)

	rep, err := e.RunUpgradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Skipped)
	require.Equal(t, "silver", repo.customers["c1"].TierID)

	clock = now.Add(5 * day)
	rep, err = e.RunUpgradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Changed)
	require.Equal(t, "gold", repo.customers["c1"].TierID)
}

func TestUpgradeTotalSpend(t *testing.T) {
	repo := newFakeRepo()
	repo.addCustomer("big", "silver", "0", nil)
	repo.addCustomer("small", "silver", "0", nil)
	repo.stats["big"] = OrderStats{Count: 2, TotalSpend: decimal.NewFromInt(2500)}
	repo.stats["small"] = OrderStats{Count: 9, TotalSpend: decimal.NewFromInt(2499)}
	repo.rules[Upgrade] = []Rule{upgradeRule("u1", CondTotalSpend, "2500", 0)}
	e := newEvaluator(t, repo, nil, nil)

	rep, err := e.RunUpgradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Changed)
	require.Equal(t, "gold", repo.customers["big"].TierID)
}

func TestUpgradeOnTimePaymentNeedsMinimumSample(t *testing.T) {
	repo := newFakeRepo()
	repo.addCustomer("few", "silver", "0", nil)
	repo.addCustomer("good", "silver", "0", nil)
	repo.addCustomer("late", "silver", "0", nil)
	repo.payments["few"] = PaymentStats{Orders: 2, OnTime: 2}
	repo.payments["good"] = PaymentStats{Orders: 3, OnTime: 2}
	repo.payments["late"] = PaymentStats{Orders: 10, OnTime: 5}
	repo.rules[Upgrade] = []Rule{upgradeRule("u1", CondOnTimePaymentPct, "60", 0)}
	e := newEvaluator(t, repo, nil, nil)

	rep, err := e.RunUpgradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Processed)
	require.Equal(t, 1, rep.Changed)
	require.Equal(t, "gold", repo.customers["good"].TierID)
	require.Equal(t, "silver", repo.customers["few"].TierID)
	require.Equal(t, "silver", repo.customers["late"].TierID)
}

type cancelOnChange struct {
	recordingNotifier
	cancel context.CancelFunc
}

func (n *cancelOnChange) TierChanged(ctx context.Context, c Change) {
	n.recordingNotifier.TierChanged(ctx, c)
	n.cancel()
}

func TestInterruptedJobKeepsPartialReport(t *testing.T) {
	repo := newFakeRepo()
	repo.addCustomer("a", "gold", "0", nil)
	repo.addCustomer("b", "gold", "0", nil)
	repo.addCustomer("c", "gold", "0", nil)
	repo.rules[Downgrade] = []Rule{downgradeRule("r1", CondDaysSinceOrder, 30)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &cancelOnChange{cancel: cancel}
	e := newEvaluator(t, repo, nil, n)

	rep, err := e.RunDowngradeJob(ctx)
	require.Error(t, err)
	require.True(t, apperr.IsTransient(err))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Report{Direction: Downgrade, Tenants: 1, Processed: 1, Changed: 1}, rep)
	require.Len(t, repo.changes, 1)
	require.Equal(t, "silver", repo.customers["a"].TierID)
	require.Equal(t, "gold", repo.customers["b"].TierID)
}

func TestTenantAlreadyLockedIsSkipped(t *testing.T) {
	repo := newFakeRepo()
	repo.addCustomer("c1", "gold", "0", nil)
	repo.rules[Downgrade] = []Rule{downgradeRule("r1", CondDaysSinceOrder, 30)}
	locker := guard.NewMemoryLocker(nil)
	release, ok, err := locker.Acquire(context.Background(), "tiers:downgrade:t1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	e, err := NewEvaluator(EvaluatorDeps{Repo: repo, Locker: locker, Clock: func() time.Time { return now }})
	require.NoError(t, err)

	rep, err := e.RunDowngradeJob(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, rep.Tenants)
	require.Equal(t, 0, rep.Processed)
	require.Equal(t, "gold", repo.customers["c1"].TierID)
}

func TestRuleWindow(t *testing.T) {
	require.Equal(t, 24*time.Hour, downgradeRule("r", CondDaysSinceOrder, 1).Window())
	require.Equal(t, 7*24*time.Hour, upgradeRule("u", CondOrdersCount, "1", 7).Window())
	require.Equal(t, 24*time.Hour, upgradeRule("u", CondOrdersCount, "1", 0).Window())
}

func TestReportJSONNamesDirection(t *testing.T) {
	b, err := json.Marshal(Report{Direction: Upgrade, Processed: 4, Changed: 1})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.EqualValues(t, 1, m["upgraded"])
	require.EqualValues(t, 4, m["processed"])
	require.NotContains(t, m, "changed")
}
