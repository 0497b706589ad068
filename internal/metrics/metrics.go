// Package metrics exposes Prometheus collectors for order operations, tier jobs and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ariefcatur/go-tenant-orders/internal/orders"
	"github.com/ariefcatur/go-tenant-orders/internal/tiers"
)

const namespace = "tenant_orders"

type Metrics struct {
	orderOps      *prometheus.HistogramVec
	reservedLines *prometheus.CounterVec
	tierRuns      *prometheus.CounterVec
	tierCustomers *prometheus.CounterVec
	tierDuration  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

var (
	_ orders.Observer = (*Metrics)(nil)
	_ tiers.Observer  = (*Metrics)(nil)
)

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orderOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_operation_seconds",
			Help:      "Order operation latency by operation and result code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "code"}),
		reservedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_lines_total",
			Help:      "Cart lines reserved or rejected during order creation.",
		}, []string{"outcome"}),
		tierRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_job_runs_total",
			Help:      "Tier job executions by direction.",
		}, []string{"direction"}),
		tierCustomers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_job_customers_total",
			Help:      "Customers evaluated by tier jobs, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		tierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_job_seconds",
			Help:      "Tier job duration.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"direction"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	reg.MustRegister(m.orderOps, m.reservedLines, m.tierRuns, m.tierCustomers, m.tierDuration, m.httpRequests, m.httpDuration)
	return m
}

func (m *Metrics) ObserveOrderOp(op, code string, seconds float64) {
	m.orderOps.WithLabelValues(op, code).Observe(seconds)
}

func (m *Metrics) ObserveReservation(reserved, rejected int) {
	m.reservedLines.WithLabelValues("reserved").Add(float64(reserved))
	m.reservedLines.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) ObserveTierJob(direction string, processed, changed, skipped, errors int, seconds float64) {
	m.tierRuns.WithLabelValues(direction).Inc()
	m.tierCustomers.WithLabelValues(direction, "processed").Add(float64(processed))
	m.tierCustomers.WithLabelValues(direction, "changed").Add(float64(changed))
	m.tierCustomers.WithLabelValues(direction, "skipped").Add(float64(skipped))
	m.tierCustomers.WithLabelValues(direction, "errors").Add(float64(errors))
	m.tierDuration.WithLabelValues(direction).Observe(seconds)
}

// Middleware records every request under its chi route pattern so ids do not explode label
// cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
