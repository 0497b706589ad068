// Package inventory validates carts against available stock and moves reservation counters.
//
// All methods run on a caller-supplied StockLocker bound to the enclosing transaction. Products
// are locked in ascending id order so concurrent reservations on overlapping carts cannot deadlock.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
)

const DefaultMaxQty = 10000

type Product struct {
	ID               string
	TenantID         string
	SKU              string
	Name             string
	Price            decimal.Decimal
	StockQuantity    int
	ReservedQuantity int
	IsActive         bool
}

func (p Product) Available() int {
	if a := p.StockQuantity - p.ReservedQuantity; a > 0 {
		return a
	}
	return 0
}

// StockLocker is the row-locking view of the products table.
type StockLocker interface {
	// LockProducts takes FOR UPDATE locks on the given ids (sorted ascending by the caller)
	// and returns the rows it found. Missing ids are simply absent from the map.
	LockProducts(ctx context.Context, tenantID string, ids []string) (map[string]Product, error)
	// AddReserved adds delta to reserved_quantity.
	AddReserved(ctx context.Context, tenantID, productID string, delta int) error
	// ConsumeStock removes qty from both stock_quantity and reserved_quantity.
	ConsumeStock(ctx context.Context, tenantID, productID string, qty int) error
}

type LineRequest struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type ReservedLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Qty       int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Rejection struct {
	ProductID string      `json:"product_id"`
	Qty       int         `json:"qty"`
	Code      apperr.Code `json:"code"`
	Reason    string      `json:"reason"`
	Available int         `json:"available,omitempty"`
}

type Reservation struct {
	Lines      []ReservedLine
	Rejections []Rejection
}

func (r Reservation) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range r.Lines {
		sum = sum.Add(l.LineTotal)
	}
	return sum
}

func (r Reservation) TotalQty() int {
	n := 0
	for _, l := range r.Lines {
		n += l.Qty
	}
	return n
}

type Manager struct {
	maxQty int
	log    *zap.Logger
}

func NewManager(maxQty int, log *zap.Logger) *Manager {
	if maxQty <= 0 {
		maxQty = DefaultMaxQty
	}
	return &Manager{maxQty: maxQty, log: logging.OrNop(log)}
}

// Reserve validates every line and reserves the ones that pass. Rejected lines are reported, not
// fatal; if nothing passes the result is a NO_VALID_ITEMS error carrying the rejections.
func (m *Manager) Reserve(ctx context.Context, s StockLocker, tenantID string, reqs []LineRequest) (Reservation, error) {
	lines, rejected := m.normalise(reqs)

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}

	var res Reservation
	res.Rejections = rejected

	if len(ids) > 0 {
		products, err := s.LockProducts(ctx, tenantID, ids)
		if err != nil {
			return Reservation{}, fmt.Errorf("lock products: %w", err)
		}

		for _, l := range lines {
			p, ok := products[l.ProductID]
			switch {
			case !ok:
				res.Rejections = append(res.Rejections, reject(l, apperr.CodeItemNotFound, "product not found", 0))
				continue
			case !p.IsActive:
				res.Rejections = append(res.Rejections, reject(l, apperr.CodeItemInactive, "product is not active", 0))
				continue
			case l.Qty > p.Available():
				res.Rejections = append(res.Rejections, reject(l, apperr.CodeInsufficientStock,
					fmt.Sprintf("only %d available", p.Available()), p.Available()))
				continue
			}

			if err := s.AddReserved(ctx, tenantID, p.ID, l.Qty); err != nil {
				return Reservation{}, fmt.Errorf("reserve %s: %w", p.ID, err)
			}
			res.Lines = append(res.Lines, ReservedLine{
				ProductID: p.ID,
				Name:      p.Name,
				Qty:       l.Qty,
				UnitPrice: p.Price,
				LineTotal: p.Price.Mul(decimal.NewFromInt(int64(l.Qty))),
			})
		}
	}

	if len(res.Lines) == 0 {
		return res, apperr.New(apperr.CodeNoValidItems, "no valid items").WithDetails(res.Rejections)
	}
	if len(res.Rejections) > 0 {
		m.log.Info("partial reservation",
			zap.String("tenant_id", tenantID),
			zap.Int("reserved_lines", len(res.Lines)),
			zap.Int("rejected_lines", len(res.Rejections)))
	}
	return res, nil
}

// Release gives back reserved quantities, never taking reserved_quantity below zero.
// Callers guard against releasing the same order twice.
func (m *Manager) Release(ctx context.Context, s StockLocker, tenantID string, lines []LineRequest) error {
	merged := merge(lines)
	if len(merged) == 0 {
		return nil
	}
	ids := sortedIDs(merged)
	products, err := s.LockProducts(ctx, tenantID, ids)
	if err != nil {
		return fmt.Errorf("lock products: %w", err)
	}
	for _, id := range ids {
		p, ok := products[id]
		if !ok {
			m.log.Warn("release skipped for missing product", zap.String("tenant_id", tenantID), zap.String("product_id", id))
			continue
		}
		qty := merged[id]
		if qty > p.ReservedQuantity {
			qty = p.ReservedQuantity
		}
		if qty <= 0 {
			continue
		}
		if err := s.AddReserved(ctx, tenantID, id, -qty); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	return nil
}

// Consume turns a reservation into a physical stock decrement at terminal fulfilment.
func (m *Manager) Consume(ctx context.Context, s StockLocker, tenantID string, lines []LineRequest) error {
	merged := merge(lines)
	if len(merged) == 0 {
		return nil
	}
	ids := sortedIDs(merged)
	products, err := s.LockProducts(ctx, tenantID, ids)
	if err != nil {
		return fmt.Errorf("lock products: %w", err)
	}
	for _, id := range ids {
		p, ok := products[id]
		if !ok {
			continue
		}
		qty := merged[id]
		if qty > p.ReservedQuantity {
			qty = p.ReservedQuantity
		}
		if qty > p.StockQuantity {
			qty = p.StockQuantity
		}
		if qty <= 0 {
			continue
		}
		if err := s.ConsumeStock(ctx, tenantID, id, qty); err != nil {
			return fmt.Errorf("consume %s: %w", id, err)
		}
	}
	return nil
}

// normalise merges duplicate product ids, drops bad quantities into rejections and sorts the
// rest by product id, which is the lock order.
func (m *Manager) normalise(reqs []LineRequest) ([]LineRequest, []Rejection) {
	var rejected []Rejection
	valid := make([]LineRequest, 0, len(reqs))
	for _, r := range reqs {
		r.ProductID = strings.TrimSpace(r.ProductID)
		switch {
		case r.ProductID == "":
			rejected = append(rejected, reject(r, apperr.CodeItemNotFound, "product id is required", 0))
		case r.Qty <= 0 || r.Qty > m.maxQty:
			rejected = append(rejected, reject(r, apperr.CodeItemInvalidQty,
				fmt.Sprintf("quantity must be between 1 and %d", m.maxQty), 0))
		default:
			valid = append(valid, r)
		}
	}

	merged := merge(valid)
	out := make([]LineRequest, 0, len(merged))
	for _, id := range sortedIDs(merged) {
		qty := merged[id]
		if qty > m.maxQty {
			rejected = append(rejected, reject(LineRequest{ProductID: id, Qty: qty}, apperr.CodeItemInvalidQty,
				fmt.Sprintf("quantity must be between 1 and %d", m.maxQty), 0))
			continue
		}
		out = append(out, LineRequest{ProductID: id, Qty: qty})
	}
	return out, rejected
}

func merge(lines []LineRequest) map[string]int {
	out := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ProductID == "" || l.Qty <= 0 {
			continue
		}
		out[l.ProductID] += l.Qty
	}
	return out
}

func sortedIDs(m map[string]int) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func reject(l LineRequest, code apperr.Code, reason string, available int) Rejection {
	return Rejection{ProductID: l.ProductID, Qty: l.Qty, Code: code, Reason: reason, Available: available}
}
