package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/discounts"
	"github.com/ariefcatur/go-tenant-orders/internal/inventory"
	"github.com/ariefcatur/go-tenant-orders/internal/ledger"
)

// memStore serialises transactions behind one mutex and restores a snapshot on rollback.
type memStore struct {
	mu    sync.Mutex
	state memState

	inTxCalls  int
	failOnStep string
}

type memState struct {
	tenants   map[string]Tenant
	customers map[string]*memCustomer
	products  map[string]inventory.Product
	orders    map[string]Order
	history   []HistoryEntry
	discounts []discounts.Discount
}

type memCustomer struct {
	balance   ledger.Balance
	lastOrder time.Time
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		tenants:   map[string]Tenant{},
		customers: map[string]*memCustomer{},
		products:  map[string]inventory.Product{},
		orders:    map[string]Order{},
	}}
}

func (s memState) clone() memState {
	c := memState{
		tenants:   make(map[string]Tenant, len(s.tenants)),
		customers: make(map[string]*memCustomer, len(s.customers)),
		products:  make(map[string]inventory.Product, len(s.products)),
		orders:    make(map[string]Order, len(s.orders)),
		history:   append([]HistoryEntry(nil), s.history...),
		discounts: s.discounts,
	}
	for k, v := range s.tenants {
		c.tenants[k] = v
	}
	for k, v := range s.customers {
		cp := *v
		c.customers[k] = &cp
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTxCalls++
	snapshot := m.state.clone()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *memStore) Tenant(_ context.Context, id string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.state.tenants[id]
	if !ok {
		return Tenant{}, apperr.Newf(apperr.CodeTenantNotFound, "tenant %s not found", id)
	}
	return t, nil
}

func (m *memStore) CustomerExists(_ context.Context, _, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.customers[id]
	return ok, nil
}

func (m *memStore) CountOpenOrders(_ context.Context, tenantID, customerID string, statuses []Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.state.orders {
		if o.TenantID != tenantID || o.CustomerID != customerID {
			continue
		}
		for _, st := range statuses {
			if o.Status == st {
				n++
			}
		}
	}
	return n, nil
}

func (m *memStore) GetOrder(_ context.Context, tenantID, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.orders[id]
	if !ok || o.TenantID != tenantID {
		return Order{}, apperr.Newf(apperr.CodeOrderNotFound, "order %s not found", id)
	}
	return o, nil
}

func (m *memStore) History(_ context.Context, _, orderID string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, h := range m.state.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) ActiveDiscounts(_ context.Context, tenantID, _ string, _ time.Time) ([]discounts.Discount, error) {
	var out []discounts.Discount
	for _, d := range m.state.discounts {
		if d.TenantID == tenantID && d.IsActive {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) DiscountByCode(_ context.Context, tenantID, _, code string) (discounts.Discount, error) {
	for _, d := range m.state.discounts {
		if d.TenantID == tenantID && strings.EqualFold(d.Code, code) {
			return d, nil
		}
	}
	return discounts.Discount{}, discounts.NotFound(code)
}

func (m *memStore) customer(id string) *memCustomer {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.state.customers[id]
	return &c
}

func (m *memStore) product(id string) inventory.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.products[id]
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.orders)
}

var errInjected = errors.New("injected failure")

// memTx runs with memStore.mu already held.
type memTx struct{ m *memStore }

func (t *memTx) fail(step string) error {
	if t.m.failOnStep == step {
		return errInjected
	}
	return nil
}

func (t *memTx) LockProducts(_ context.Context, tenantID string, ids []string) (map[string]inventory.Product, error) {
	out := map[string]inventory.Product{}
	for _, id := range ids {
		if p, ok := t.m.state.products[id]; ok && p.TenantID == tenantID {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) AddReserved(_ context.Context, _, id string, delta int) error {
	p := t.m.state.products[id]
	p.ReservedQuantity += delta
	t.m.state.products[id] = p
	return nil
}

func (t *memTx) ConsumeStock(_ context.Context, _, id string, qty int) error {
	p := t.m.state.products[id]
	p.StockQuantity -= qty
	p.ReservedQuantity -= qty
	t.m.state.products[id] = p
	return nil
}

func (t *memTx) ActiveDiscounts(ctx context.Context, tenantID, customerID string, at time.Time) ([]discounts.Discount, error) {
	return t.m.ActiveDiscounts(ctx, tenantID, customerID, at)
}

func (t *memTx) DiscountByCode(ctx context.Context, tenantID, customerID, code string) (discounts.Discount, error) {
	return t.m.DiscountByCode(ctx, tenantID, customerID, code)
}

func (t *memTx) CountOrdersSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	n := 0
	for _, o := range t.m.state.orders {
		if o.TenantID == tenantID && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) LockBalance(_ context.Context, _, customerID string) (ledger.Balance, error) {
	c, ok := t.m.state.customers[customerID]
	if !ok {
		return ledger.Balance{}, apperr.Newf(apperr.CodeCustomerNotFound, "customer %s not found", customerID)
	}
	return c.balance, nil
}

func (t *memTx) StoreBalance(_ context.Context, _, customerID string, b ledger.Balance) error {
	if err := t.fail("store_balance"); err != nil {
		return err
	}
	t.m.state.customers[customerID].balance = b
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o Order) error {
	t.m.state.orders[o.ID] = o
	return nil
}

func (t *memTx) LockOrder(_ context.Context, tenantID, id string) (Order, error) {
	o, ok := t.m.state.orders[id]
	if !ok || o.TenantID != tenantID {
		return Order{}, apperr.Newf(apperr.CodeOrderNotFound, "order %s not found", id)
	}
	return o, nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, _, id string, to Status, at time.Time) error {
	o := t.m.state.orders[id]
	o.Status = to
	o.UpdatedAt = at
	t.m.state.orders[id] = o
	return nil
}

func (t *memTx) MarkReservationReleased(_ context.Context, _, id string, at time.Time) error {
	o := t.m.state.orders[id]
	o.ReservationReleasedAt = &at
	t.m.state.orders[id] = o
	return nil
}

func (t *memTx) TouchLastOrderDate(_ context.Context, _, customerID string, at time.Time) error {
	t.m.state.customers[customerID].lastOrder = at
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, h HistoryEntry) error {
	if err := t.fail("history"); err != nil {
		return err
	}
	t.m.state.history = append(t.m.state.history, h)
	return nil
}
