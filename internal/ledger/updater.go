// Package ledger applies charges and refunds to a customer's running debt balance.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
)

type Op string

const (
	OpCharge Op = "add"
	OpRefund Op = "subtract"
)

type Balance struct {
	Debt   decimal.Decimal `json:"debt_balance"`
	Credit decimal.Decimal `json:"credit_balance"`
}

// Accounts reads and writes a customer's balances on the enclosing transaction.
type Accounts interface {
	// LockBalance selects the customer row FOR UPDATE.
	LockBalance(ctx context.Context, tenantID, customerID string) (Balance, error)
	StoreBalance(ctx context.Context, tenantID, customerID string, b Balance) error
}

type Entry struct {
	CustomerID string
	Op         Op
	Amount     decimal.Decimal
	Before     Balance
	After      Balance
}

type Updater struct {
	log *zap.Logger
}

func NewUpdater(log *zap.Logger) *Updater {
	return &Updater{log: logging.OrNop(log)}
}

// Apply charges (debt += amount) or refunds the customer. A refund larger than the debt zeroes
// the debt and moves the excess into credit, so debt never goes negative.
func (u *Updater) Apply(ctx context.Context, a Accounts, tenantID, customerID string, amount decimal.Decimal, op Op) (Entry, error) {
	if amount.IsNegative() {
		return Entry{}, apperr.Newf(apperr.CodeValidation, "ledger amount must not be negative: %s", amount)
	}

	before, err := a.LockBalance(ctx, tenantID, customerID)
	if err != nil {
		return Entry{}, err
	}

	after, err := Next(before, amount, op)
	if err != nil {
		return Entry{}, err
	}
	if err := a.StoreBalance(ctx, tenantID, customerID, after); err != nil {
		return Entry{}, fmt.Errorf("store balance: %w", err)
	}

	u.log.Debug("ledger updated",
		zap.String("tenant_id", tenantID),
		zap.String("customer_id", customerID),
		zap.String("op", string(op)),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("debt_after", after.Debt.StringFixed(2)))

	return Entry{CustomerID: customerID, Op: op, Amount: amount, Before: before, After: after}, nil
}

// Next is the pure balance transition used by Apply.
func Next(b Balance, amount decimal.Decimal, op Op) (Balance, error) {
	switch op {
	case OpCharge:
		b.Debt = b.Debt.Add(amount)
	case OpRefund:
		if amount.LessThanOrEqual(b.Debt) {
			b.Debt = b.Debt.Sub(amount)
		} else {
			b.Credit = b.Credit.Add(amount.Sub(b.Debt))
			b.Debt = decimal.Zero
		}
	default:
		return b, apperr.Newf(apperr.CodeValidation, "unknown ledger operation %q", op)
	}
	return b, nil
}
