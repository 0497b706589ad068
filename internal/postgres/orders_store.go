package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/inventory"
	"github.com/ariefcatur/go-tenant-orders/internal/ledger"
	"github.com/ariefcatur/go-tenant-orders/internal/orders"
)

// ---- pool-level reads ----

func (s *Store) Tenant(ctx context.Context, tenantID string) (orders.Tenant, error) {
	var t orders.Tenant
	err := s.db.QueryRow(ctx, `
		SELECT id, timezone, order_prefix FROM tenants WHERE id = $1 AND is_active`, tenantID).
		Scan(&t.ID, &t.Timezone, &t.OrderPrefix)
	if err != nil {
		return orders.Tenant{}, classify(err, apperr.CodeTenantNotFound, "tenant "+tenantID)
	}
	return t, nil
}

func (s *Store) CustomerExists(ctx context.Context, tenantID, customerID string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM customers WHERE tenant_id = $1 AND id = $2)`, tenantID, customerID).Scan(&ok)
	if err != nil {
		return false, classify(err, "", "customer exists")
	}
	return ok, nil
}

func (s *Store) CountOpenOrders(ctx context.Context, tenantID, customerID string, statuses []orders.Status) (int, error) {
	st := make([]string, 0, len(statuses))
	for _, v := range statuses {
		st = append(st, string(v))
	}
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE tenant_id = $1 AND customer_id = $2 AND status = ANY($3)`, tenantID, customerID, st).Scan(&n)
	if err != nil {
		return 0, classify(err, "", "count open orders")
	}
	return n, nil
}

func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (orders.Order, error) {
	return s.read.loadOrder(ctx, tenantID, orderID, false)
}

func (s *Store) History(ctx context.Context, tenantID, orderID string) ([]orders.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT h.id, h.order_id, COALESCE(h.from_status, ''), h.to_status, COALESCE(h.note, ''), h.created_at
		FROM order_status_history h
		JOIN orders o ON o.id = h.order_id
		WHERE o.tenant_id = $1 AND h.order_id = $2
		ORDER BY h.created_at, h.id`, tenantID, orderID)
	if err != nil {
		return nil, classify(err, "", "order history")
	}
	defer rows.Close()

	out := []orders.HistoryEntry{}
	for rows.Next() {
		var h orders.HistoryEntry
		var from, to string
		if err := rows.Scan(&h.ID, &h.OrderID, &from, &to, &h.Note, &h.CreatedAt); err != nil {
			return nil, classify(err, "", "scan history")
		}
		h.FromStatus, h.ToStatus = orders.Status(from), orders.Status(to)
		out = append(out, h)
	}
	return out, classify(rows.Err(), "", "order history")
}

// ---- stock ----

// LockProducts locks rows in id order; ids arrive sorted and ORDER BY keeps the lock order stable
// even if they did not.
func (q queries) LockProducts(ctx context.Context, tenantID string, ids []string) (map[string]inventory.Product, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, tenant_id, sku, name, price, stock_quantity, reserved_quantity, is_active
		FROM products
		WHERE tenant_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]inventory.Product, len(ids))
	for rows.Next() {
		var p inventory.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.Price, &p.StockQuantity, &p.ReservedQuantity, &p.IsActive); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (q queries) AddReserved(ctx context.Context, tenantID, productID string, delta int) error {
	ct, err := q.q.Exec(ctx, `
		UPDATE products SET reserved_quantity = reserved_quantity + $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, productID, delta)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.Newf(apperr.CodeItemNotFound, "product %s not found", productID)
	}
	return nil
}

func (q queries) ConsumeStock(ctx context.Context, tenantID, productID string, qty int) error {
	ct, err := q.q.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $3, reserved_quantity = reserved_quantity - $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.Newf(apperr.CodeItemNotFound, "product %s not found", productID)
	}
	return nil
}

// ---- numbering ----

func (q queries) CountOrdersSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := q.q.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE tenant_id = $1 AND created_at >= $2`, tenantID, since).Scan(&n)
	return n, err
}

// ---- ledger ----

func (q queries) LockBalance(ctx context.Context, tenantID, customerID string) (ledger.Balance, error) {
	var b ledger.Balance
	err := q.q.QueryRow(ctx, `
		SELECT debt_balance, credit_balance FROM customers
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE`, tenantID, customerID).Scan(&b.Debt, &b.Credit)
	if err != nil {
		return ledger.Balance{}, classify(err, apperr.CodeCustomerNotFound, "customer "+customerID)
	}
	return b, nil
}

func (q queries) StoreBalance(ctx context.Context, tenantID, customerID string, b ledger.Balance) error {
	_, err := q.q.Exec(ctx, `
		UPDATE customers SET debt_balance = $3, credit_balance = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, customerID, b.Debt, b.Credit)
	return err
}

func (q queries) TouchLastOrderDate(ctx context.Context, tenantID, customerID string, at time.Time) error {
	_, err := q.q.Exec(ctx, `
		UPDATE customers SET last_order_date = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, customerID, at)
	return err
}

// ---- orders ----

func (q queries) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO orders (id, tenant_id, customer_id, order_number, status, payment_status,
			subtotal_amount, discount_amount, discount_id, discount_name, total_amount, paid_amount,
			notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, NULLIF($13, ''), $14, $15)`,
		o.ID, o.TenantID, o.CustomerID, o.OrderNumber, string(o.Status), string(o.PaymentStatus),
		o.SubtotalAmount, o.DiscountAmount, o.DiscountID, o.DiscountName, o.TotalAmount, o.PaidAmount,
		o.Notes, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		if _, err := q.q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, qty_ordered, qty_delivered, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, o.ID, it.ProductID, it.ProductName, it.QtyOrdered, it.QtyDelivered, it.UnitPrice, it.LineTotal); err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return nil
}

func (q queries) LockOrder(ctx context.Context, tenantID, orderID string) (orders.Order, error) {
	return q.loadOrder(ctx, tenantID, orderID, true)
}

const orderColumns = `id, tenant_id, customer_id, order_number, status, payment_status,
	subtotal_amount, discount_amount, COALESCE(discount_id, ''), COALESCE(discount_name, ''),
	total_amount, paid_amount, COALESCE(notes, ''), reservation_released_at, created_at, updated_at`

func (q queries) loadOrder(ctx context.Context, tenantID, orderID string, lock bool) (orders.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND id = $2`
	if lock {
		sql += ` FOR UPDATE`
	}

	var o orders.Order
	var status, payment string
	err := q.q.QueryRow(ctx, sql, tenantID, orderID).Scan(
		&o.ID, &o.TenantID, &o.CustomerID, &o.OrderNumber, &status, &payment,
		&o.SubtotalAmount, &o.DiscountAmount, &o.DiscountID, &o.DiscountName,
		&o.TotalAmount, &o.PaidAmount, &o.Notes, &o.ReservationReleasedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return orders.Order{}, classify(err, apperr.CodeOrderNotFound, "order "+orderID)
	}
	o.Status, o.PaymentStatus = orders.Status(status), orders.PaymentStatus(payment)

	rows, err := q.q.Query(ctx, `
		SELECT id, order_id, product_id, product_name, qty_ordered, qty_delivered, unit_price, line_total
		FROM order_items WHERE order_id = $1 ORDER BY product_id`, o.ID)
	if err != nil {
		return orders.Order{}, classify(err, "", "order items")
	}
	defer rows.Close()
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.QtyOrdered, &it.QtyDelivered, &it.UnitPrice, &it.LineTotal); err != nil {
			return orders.Order{}, classify(err, "", "scan order item")
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return orders.Order{}, classify(err, "", "order items")
	}
	return o, nil
}

func (q queries) UpdateOrderStatus(ctx context.Context, tenantID, orderID string, to orders.Status, at time.Time) error {
	ct, err := q.q.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = $4 WHERE tenant_id = $1 AND id = $2`,
		tenantID, orderID, string(to), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.Newf(apperr.CodeOrderNotFound, "order %s not found", orderID)
	}
	return nil
}

func (q queries) MarkReservationReleased(ctx context.Context, tenantID, orderID string, at time.Time) error {
	ct, err := q.q.Exec(ctx, `
		UPDATE orders SET reservation_released_at = $3
		WHERE tenant_id = $1 AND id = $2 AND reservation_released_at IS NULL`, tenantID, orderID, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		// the row is locked by the caller, so this only happens on a logic error upstream
		return apperr.Newf(apperr.CodeInvalidTransition, "reservation for order %s already released", orderID)
	}
	return nil
}

func (q queries) AppendHistory(ctx context.Context, h orders.HistoryEntry) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO order_status_history (id, order_id, from_status, to_status, note, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6)`,
		h.ID, h.OrderID, string(h.FromStatus), string(h.ToStatus), h.Note, h.CreatedAt)
	return err
}
