package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	CustomerID     string          `json:"customer_id"`
	OrderNumber    string          `json:"order_number"`
	Status         Status          `json:"status"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	SubtotalAmount decimal.Decimal `json:"subtotal_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	DiscountID     string          `json:"discount_id,omitempty"`
	DiscountName   string          `json:"discount_name,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Notes          string          `json:"notes,omitempty"`
	// ReservationReleasedAt is set once the order's reservation has been released or consumed.
	ReservationReleasedAt *time.Time  `json:"reservation_released_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	Items                 []OrderItem `json:"items,omitempty"`
}

type OrderItem struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	QtyOrdered   int             `json:"qty_ordered"`
	QtyDelivered int             `json:"qty_delivered"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

// HistoryEntry is append-only; From is empty for the creation row.
type HistoryEntry struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Tenant struct {
	ID          string
	Timezone    string
	OrderPrefix string
}
