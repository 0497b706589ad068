package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/go-tenant-orders/internal/discounts"
	"github.com/ariefcatur/go-tenant-orders/internal/inventory"
	"github.com/ariefcatur/go-tenant-orders/internal/ledger"
	"github.com/ariefcatur/go-tenant-orders/internal/ordernumber"
)

// Tx is the unit of work every order mutation runs in. Locks taken through it are held until
// the enclosing Store.InTx returns.
type Tx interface {
	inventory.StockLocker
	discounts.Querier
	ordernumber.Counter
	ledger.Accounts

	InsertOrder(ctx context.Context, o Order) error
	// LockOrder selects the order FOR UPDATE together with its items.
	LockOrder(ctx context.Context, tenantID, orderID string) (Order, error)
	UpdateOrderStatus(ctx context.Context, tenantID, orderID string, to Status, at time.Time) error
	MarkReservationReleased(ctx context.Context, tenantID, orderID string, at time.Time) error
	TouchLastOrderDate(ctx context.Context, tenantID, customerID string, at time.Time) error
	AppendHistory(ctx context.Context, h HistoryEntry) error
}

type Store interface {
	discounts.Querier

	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Tenant(ctx context.Context, tenantID string) (Tenant, error)
	CustomerExists(ctx context.Context, tenantID, customerID string) (bool, error)
	CountOpenOrders(ctx context.Context, tenantID, customerID string, statuses []Status) (int, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (Order, error)
	History(ctx context.Context, tenantID, orderID string) ([]HistoryEntry, error)
}
