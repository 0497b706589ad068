package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/discounts"
	"github.com/ariefcatur/go-tenant-orders/internal/guard"
	"github.com/ariefcatur/go-tenant-orders/internal/inventory"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/orders"
	"github.com/ariefcatur/go-tenant-orders/internal/projection"
	"github.com/ariefcatur/go-tenant-orders/internal/tiers"
)

const headerTenant = "X-Tenant-ID"

const (
	defaultRequestTimeout = 15 * time.Second
	defaultTierJobTimeout = 10 * time.Minute
)

type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (orders.CreateOrderResult, error)
	CancelOrder(ctx context.Context, in orders.CancelOrderInput) (orders.CancelOrderResult, error)
	AdvanceStatus(ctx context.Context, tenantID, orderID string, to orders.Status, note string) (orders.Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (orders.OrderView, error)
	ValidateDiscountCode(ctx context.Context, tenantID, customerID, code string, cartTotal decimal.Decimal, items []inventory.LineRequest) (discounts.Result, error)
	PreviewBestDiscount(ctx context.Context, tenantID, customerID string, cartTotal decimal.Decimal, itemCount int) (*discounts.Result, error)
}

type TierJobs interface {
	RunDowngradeJob(ctx context.Context) (tiers.Report, error)
	RunUpgradeJob(ctx context.Context) (tiers.Report, error)
}

type OrdersHandler struct {
	Orders  OrderService
	Tiers   TierJobs // nil disables the job triggers
	Limiter guard.Limiter
	Locker  guard.Locker
	Redis   redis.UniversalClient // nil disables idempotent replay and the status cache
	Log     *zap.Logger

	Timeout        time.Duration // tenant routes, default 15s
	TierJobTimeout time.Duration // admin tier jobs, default 10m
}

type createOrderReq struct {
	CustomerID string                  `json:"customer_id"`
	Items      []inventory.LineRequest `json:"items"`
	Notes      string                  `json:"notes"`
}

type cancelOrderReq struct {
	CustomerID string `json:"customer_id"`
	Reason     string `json:"reason"`
}

type advanceStatusReq struct {
	Status orders.Status `json:"status"`
	Note   string        `json:"note"`
}

type validateDiscountReq struct {
	CustomerID string                  `json:"customer_id"`
	Code       string                  `json:"code"`
	CartTotal  decimal.Decimal         `json:"cart_total"`
	Items      []inventory.LineRequest `json:"items"`
}

type previewDiscountReq struct {
	CustomerID string          `json:"customer_id"`
	CartTotal  decimal.Decimal `json:"cart_total"`
	ItemCount  int             `json:"item_count"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(orDefault(h.Timeout, defaultRequestTimeout)))
			r.Use(requireTenant)

			r.With(idempotent(h.Redis, h.Locker)).Post("/orders", h.createOrder)
			r.Get("/orders/{id}", h.getOrder)
			r.Get("/orders/{id}/status", h.getOrderStatus)
			r.Post("/orders/{id}/cancel", h.cancelOrder)
			r.Post("/orders/{id}/status", h.advanceStatus)

			r.Post("/discounts/validate", h.validateDiscount)
			r.Post("/discounts/preview", h.previewDiscount)
		})
		if h.Tiers != nil {
			r.Post("/admin/tier-jobs/downgrade", h.runTierJob(tiers.Downgrade))
			r.Post("/admin/tier-jobs/upgrade", h.runTierJob(tiers.Upgrade))
		}
	})
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type tenantKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(headerTenant))
		if tenant == "" {
			writeError(w, r, apperr.New(apperr.CodeValidation, "missing "+headerTenant+" header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantFrom(ctx context.Context) string {
	s, _ := ctx.Value(tenantKey{}).(string)
	return s
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid json body", err)
	}
	return nil
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	tenant := tenantFrom(ctx)

	if h.Limiter != nil && req.CustomerID != "" {
		ok, retry, err := h.Limiter.Allow(ctx, "orders:"+tenant+":"+req.CustomerID)
		if err != nil {
			logging.FromContext(ctx, h.Log).Warn("rate limiter unavailable, allowing", zap.Error(err))
		} else if !ok {
			writeRateLimited(w, r, retry)
			return
		}
	}

	res, err := h.Orders.CreateOrder(ctx, orders.CreateOrderInput{
		TenantID:   tenant,
		CustomerID: req.CustomerID,
		Items:      req.Items,
		Notes:      req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Warnings == nil {
		res.Warnings = []orders.Warning{}
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Orders.CancelOrder(r.Context(), orders.CancelOrderInput{
		TenantID:   tenantFrom(r.Context()),
		CustomerID: req.CustomerID,
		OrderID:    chi.URLParam(r, "id"),
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) advanceStatus(w http.ResponseWriter, r *http.Request) {
	var req advanceStatusReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Orders.AdvanceStatus(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), req.Status, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.Orders.GetOrder(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// getOrderStatus reads the projected status first and falls back to Postgres, refilling the cache.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, orderID := tenantFrom(ctx), chi.URLParam(r, "id")
	log := logging.FromContext(ctx, h.Log)

	var cache *projection.Cache
	if h.Redis != nil {
		cache = projection.NewCache(h.Redis)
		s, ok, err := cache.Get(ctx, tenant, orderID)
		if err != nil {
			log.Warn("status cache read failed", zap.Error(err))
		} else if ok {
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	view, err := h.Orders.GetOrder(ctx, tenant, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s := projection.Status{
		OrderID:     view.Order.ID,
		OrderNumber: view.Order.OrderNumber,
		Status:      string(view.Order.Status),
		UpdatedAt:   view.Order.UpdatedAt,
	}
	if cache != nil {
		if _, err := cache.Put(ctx, tenant, s); err != nil {
			log.Warn("status cache write failed", zap.Error(err))
		}
	}
	w.Header().Set("X-Cache", "miss")
	writeJSON(w, http.StatusOK, s)
}

func (h *OrdersHandler) validateDiscount(w http.ResponseWriter, r *http.Request) {
	var req validateDiscountReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Orders.ValidateDiscountCode(r.Context(), tenantFrom(r.Context()), req.CustomerID, req.Code, req.CartTotal, req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) previewDiscount(w http.ResponseWriter, r *http.Request) {
	var req previewDiscountReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Orders.PreviewBestDiscount(r.Context(), tenantFrom(r.Context()), req.CustomerID, req.CartTotal, req.ItemCount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*discounts.Result{"discount": res})
}

// runTierJob runs the job detached from the request so a client disconnect cannot stop it halfway.
// An interrupted job answers 503 with the partial report, since changes made so far stay committed.
func (h *OrdersHandler) runTierJob(d tiers.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := h.Tiers.RunDowngradeJob
		if d == tiers.Upgrade {
			run = h.Tiers.RunUpgradeJob
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), orDefault(h.TierJobTimeout, defaultTierJobTimeout))
		defer cancel()

		report, err := run(ctx)
		if err != nil {
			if apperr.IsTransient(err) {
				writeErrorWith(w, r, err, map[string]any{"report": report})
				return
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
