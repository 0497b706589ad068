// Package orders runs order creation, cancellation and status transitions as single units of
// work over a Store, composing reservation, discount selection, numbering and the ledger.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/discounts"
	"github.com/ariefcatur/go-tenant-orders/internal/inventory"
	"github.com/ariefcatur/go-tenant-orders/internal/ledger"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/ordernumber"
)

const DefaultMaxOpenOrders = 10

var tracer = otel.Tracer("github.com/ariefcatur/go-tenant-orders/internal/orders")

// Warning is a cart line that was skipped while the rest of the order went through.
type Warning = inventory.Rejection

type ServiceDeps struct {
	Store         Store
	Notifier      Notifier
	Observer      Observer
	Logger        *zap.Logger
	Clock         func() time.Time
	NewID         func() string
	MaxOpenOrders int
	MaxItemQty    int
}

type Service struct {
	store    Store
	notifier Notifier
	observer Observer
	log      *zap.Logger
	clock    func() time.Time
	newID    func() string
	maxOpen  int

	stock    *inventory.Manager
	resolver *discounts.Resolver
	numbers  *ordernumber.Generator
	ledger   *ledger.Updater
}

func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("orders service: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	maxOpen := deps.MaxOpenOrders
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenOrders
	}
	log := logging.OrNop(deps.Logger)

	return &Service{
		store:    deps.Store,
		notifier: notifier,
		observer: observer,
		log:      log,
		clock:    clock,
		newID:    newID,
		maxOpen:  maxOpen,
		stock:    inventory.NewManager(deps.MaxItemQty, log),
		resolver: discounts.NewResolver(clock, log),
		numbers:  ordernumber.NewGenerator(clock),
		ledger:   ledger.NewUpdater(log),
	}, nil
}

type CreateOrderInput struct {
	TenantID   string
	CustomerID string
	Items      []inventory.LineRequest
	Notes      string
}

type CreateOrderResult struct {
	OrderID        string          `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	DiscountName   string          `json:"discount_name,omitempty"`
	Total          decimal.Decimal `json:"total"`
	ItemCount      int             `json:"item_count"`
	Warnings       []Warning       `json:"warnings"`
}

// CreateOrder reserves stock, applies the best automatic discount, numbers the order and charges
// the customer in one transaction. Skipped lines come back as warnings.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (res CreateOrderResult, err error) {
	ctx, span := tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(
		attribute.String("tenant_id", in.TenantID),
		attribute.String("customer_id", in.CustomerID),
		attribute.Int("lines", len(in.Items)),
	))
	start := s.clock()
	defer func() { s.finish(span, "create", start, err) }()

	in.TenantID = strings.TrimSpace(in.TenantID)
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	if in.TenantID == "" || in.CustomerID == "" {
		return CreateOrderResult{}, apperr.New(apperr.CodeValidation, "tenant_id and customer_id are required")
	}
	if len(in.Items) == 0 {
		return CreateOrderResult{}, apperr.New(apperr.CodeValidation, "at least one item is required")
	}

	tenant, err := s.store.Tenant(ctx, in.TenantID)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if err := s.admit(ctx, in.TenantID, in.CustomerID); err != nil {
		return CreateOrderResult{}, err
	}

	var order Order
	var warnings []Warning
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		reservation, err := s.stock.Reserve(ctx, tx, in.TenantID, in.Items)
		s.observer.ObserveReservation(len(reservation.Lines), len(reservation.Rejections))
		if err != nil {
			return err
		}

		cart := discounts.Cart{Subtotal: reservation.Subtotal(), Quantity: reservation.TotalQty()}
		best, err := s.resolver.Best(ctx, tx, in.TenantID, in.CustomerID, cart)
		if err != nil {
			return err
		}

		number, err := s.numbers.Next(ctx, tx, in.TenantID, tenant.OrderPrefix, tenant.Timezone)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		order = s.buildOrder(in, number, reservation, best, now)
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if _, err := s.ledger.Apply(ctx, tx, in.TenantID, in.CustomerID, order.TotalAmount, ledger.OpCharge); err != nil {
			return err
		}
		if err := tx.TouchLastOrderDate(ctx, in.TenantID, in.CustomerID, now); err != nil {
			return err
		}
		warnings = reservation.Rejections
		return tx.AppendHistory(ctx, HistoryEntry{
			ID:        s.newID(),
			OrderID:   order.ID,
			ToStatus:  StatusPending,
			Note:      "order created",
			CreatedAt: now,
		})
	})
	if err != nil {
		return CreateOrderResult{}, err
	}

	s.log.Info("order created",
		zap.String("tenant_id", order.TenantID),
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount.StringFixed(2)),
		zap.Int("warnings", len(warnings)))
	s.notifier.OrderCreated(ctx, order, warnings)

	res = CreateOrderResult{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Subtotal:       order.SubtotalAmount,
		DiscountAmount: order.DiscountAmount,
		DiscountName:   order.DiscountName,
		Total:          order.TotalAmount,
		ItemCount:      len(order.Items),
		Warnings:       warnings,
	}
	if res.Warnings == nil {
		res.Warnings = []Warning{}
	}
	return res, nil
}

// admit rejects the request before any transaction is opened when the customer already has too
// many open orders.
func (s *Service) admit(ctx context.Context, tenantID, customerID string) error {
	ok, err := s.store.CustomerExists(ctx, tenantID, customerID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.CodeCustomerNotFound, "customer %s not found", customerID)
	}
	n, err := s.store.CountOpenOrders(ctx, tenantID, customerID, OpenStatuses())
	if err != nil {
		return err
	}
	if n >= s.maxOpen {
		return apperr.Newf(apperr.CodePendingOrderLimit, "customer already has %d open orders (limit %d)", n, s.maxOpen).
			WithDetails(map[string]int{"open_orders": n, "limit": s.maxOpen})
	}
	return nil
}

func (s *Service) buildOrder(in CreateOrderInput, number string, r inventory.Reservation, best *discounts.Result, now time.Time) Order {
	o := Order{
		ID:             s.newID(),
		TenantID:       in.TenantID,
		CustomerID:     in.CustomerID,
		OrderNumber:    number,
		Status:         StatusPending,
		PaymentStatus:  PaymentUnpaid,
		SubtotalAmount: r.Subtotal(),
		DiscountAmount: decimal.Zero,
		PaidAmount:     decimal.Zero,
		Notes:          strings.TrimSpace(in.Notes),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if best != nil {
		o.DiscountID = best.DiscountID
		o.DiscountAmount = best.Amount
		o.DiscountName = best.Name
	}
	o.TotalAmount = o.SubtotalAmount.Sub(o.DiscountAmount)

	o.Items = make([]OrderItem, 0, len(r.Lines))
	for _, l := range r.Lines {
		o.Items = append(o.Items, OrderItem{
			ID:          s.newID(),
			OrderID:     o.ID,
			ProductID:   l.ProductID,
			ProductName: l.Name,
			QtyOrdered:  l.Qty,
			UnitPrice:   l.UnitPrice,
			LineTotal:   l.LineTotal,
		})
	}
	return o
}

type CancelOrderInput struct {
	TenantID   string
	CustomerID string
	OrderID    string
	Reason     string
}

type CancelOrderResult struct {
	OrderNumber string `json:"order_number"`
}

// CancelOrder releases the reservation, refunds the order total and marks the order cancelled.
// Only pending orders can be cancelled, so a second cancel fails without touching stock.
func (s *Service) CancelOrder(ctx context.Context, in CancelOrderInput) (res CancelOrderResult, err error) {
	ctx, span := tracer.Start(ctx, "orders.CancelOrder", trace.WithAttributes(
		attribute.String("tenant_id", in.TenantID),
		attribute.String("order_id", in.OrderID),
	))
	start := s.clock()
	defer func() { s.finish(span, "cancel", start, err) }()

	if strings.TrimSpace(in.TenantID) == "" || strings.TrimSpace(in.OrderID) == "" {
		return CancelOrderResult{}, apperr.New(apperr.CodeValidation, "tenant_id and order_id are required")
	}

	var order Order
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, in.TenantID, in.OrderID)
		if err != nil {
			return err
		}
		if in.CustomerID != "" && o.CustomerID != in.CustomerID {
			return apperr.Newf(apperr.CodeOrderNotFound, "order %s not found", in.OrderID)
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return apperr.Newf(apperr.CodeInvalidTransition, "order %s is %s and can no longer be cancelled", o.OrderNumber, o.Status).
				WithDetails(map[string]Status{"from": o.Status, "to": StatusCancelled})
		}

		now := s.clock().UTC()
		if o.ReservationReleasedAt == nil {
			if err := s.stock.Release(ctx, tx, in.TenantID, itemLines(o.Items)); err != nil {
				return err
			}
			if err := tx.MarkReservationReleased(ctx, in.TenantID, o.ID, now); err != nil {
				return err
			}
			o.ReservationReleasedAt = &now
		}
		if _, err := s.ledger.Apply(ctx, tx, in.TenantID, o.CustomerID, o.TotalAmount, ledger.OpRefund); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, in.TenantID, o.ID, StatusCancelled, now); err != nil {
			return err
		}
		note := strings.TrimSpace(in.Reason)
		if note == "" {
			note = "order cancelled"
		}
		if err := tx.AppendHistory(ctx, HistoryEntry{
			ID:         s.newID(),
			OrderID:    o.ID,
			FromStatus: o.Status,
			ToStatus:   StatusCancelled,
			Note:       note,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		o.Status = StatusCancelled
		o.UpdatedAt = now
		order = o
		return nil
	})
	if err != nil {
		return CancelOrderResult{}, err
	}

	s.log.Info("order cancelled",
		zap.String("tenant_id", order.TenantID),
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))
	s.notifier.OrderCancelled(ctx, order, in.Reason)
	return CancelOrderResult{OrderNumber: order.OrderNumber}, nil
}

// AdvanceStatus moves an order one step along the fulfilment chain. Delivery consumes the
// reservation so stock leaves the warehouse exactly once.
func (s *Service) AdvanceStatus(ctx context.Context, tenantID, orderID string, to Status, note string) (order Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.AdvanceStatus", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("order_id", orderID),
		attribute.String("to", string(to)),
	))
	start := s.clock()
	defer func() { s.finish(span, "advance", start, err) }()

	if !to.Valid() {
		return Order{}, apperr.Newf(apperr.CodeValidation, "unknown status %q", to)
	}
	if to == StatusCancelled {
		return Order{}, apperr.New(apperr.CodeInvalidTransition, "cancellation must go through the cancel operation")
	}

	var from Status
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LockOrder(ctx, tenantID, orderID)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, to) {
			return apperr.Newf(apperr.CodeInvalidTransition, "cannot move order %s from %s to %s", o.OrderNumber, o.Status, to).
				WithDetails(map[string]Status{"from": o.Status, "to": to})
		}

		now := s.clock().UTC()
		if to == StatusDelivered && o.ReservationReleasedAt == nil {
			if err := s.stock.Consume(ctx, tx, tenantID, itemLines(o.Items)); err != nil {
				return err
			}
			if err := tx.MarkReservationReleased(ctx, tenantID, o.ID, now); err != nil {
				return err
			}
			o.ReservationReleasedAt = &now
		}
		if err := tx.UpdateOrderStatus(ctx, tenantID, o.ID, to, now); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, HistoryEntry{
			ID:         s.newID(),
			OrderID:    o.ID,
			FromStatus: o.Status,
			ToStatus:   to,
			Note:       strings.TrimSpace(note),
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		from = o.Status
		o.Status = to
		o.UpdatedAt = now
		order = o
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.notifier.StatusChanged(ctx, order, from, note)
	return order, nil
}

type OrderView struct {
	Order   Order          `json:"order"`
	History []HistoryEntry `json:"history"`
}

func (s *Service) GetOrder(ctx context.Context, tenantID, orderID string) (OrderView, error) {
	o, err := s.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return OrderView{}, err
	}
	h, err := s.store.History(ctx, tenantID, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return OrderView{Order: o, History: h}, nil
}

// ValidateDiscountCode checks an explicitly entered code against a cart without creating anything.
func (s *Service) ValidateDiscountCode(ctx context.Context, tenantID, customerID, code string, cartTotal decimal.Decimal, items []inventory.LineRequest) (discounts.Result, error) {
	if cartTotal.IsNegative() {
		return discounts.Result{}, apperr.New(apperr.CodeValidation, "cart total must not be negative")
	}
	qty := 0
	for _, it := range items {
		if it.Qty > 0 {
			qty += it.Qty
		}
	}
	return s.resolver.Validate(ctx, s.store, tenantID, customerID, code, discounts.Cart{Subtotal: cartTotal, Quantity: qty})
}

// PreviewBestDiscount returns nil when no discount applies.
func (s *Service) PreviewBestDiscount(ctx context.Context, tenantID, customerID string, cartTotal decimal.Decimal, itemCount int) (*discounts.Result, error) {
	if cartTotal.IsNegative() || itemCount < 0 {
		return nil, apperr.New(apperr.CodeValidation, "cart total and item count must not be negative")
	}
	return s.resolver.Best(ctx, s.store, tenantID, customerID, discounts.Cart{Subtotal: cartTotal, Quantity: itemCount})
}

func (s *Service) finish(span trace.Span, op string, start time.Time, err error) {
	code := "ok"
	if err != nil {
		code = string(apperr.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		if apperr.CodeOf(err) == apperr.CodeInternal {
			s.log.Error("order operation failed", zap.String("op", op), zap.Error(err))
		} else {
			s.log.Debug("order operation rejected", zap.String("op", op), zap.String("code", code), zap.Error(err))
		}
	}
	s.observer.ObserveOrderOp(op, code, s.clock().Sub(start).Seconds())
	span.End()
}

func itemLines(items []OrderItem) []inventory.LineRequest {
	out := make([]inventory.LineRequest, 0, len(items))
	for _, it := range items {
		out = append(out, inventory.LineRequest{ProductID: it.ProductID, Qty: it.QtyOrdered})
	}
	return out
}
