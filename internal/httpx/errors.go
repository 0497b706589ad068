package httpx

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
)

type errorBody struct {
	Code      apperr.Code `json:"code"`
	Message   string      `json:"message"`
	Details   any         `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation, apperr.CodeItemInvalidQty:
		return http.StatusBadRequest
	case apperr.CodeOrderNotFound, apperr.CodeCustomerNotFound, apperr.CodeTenantNotFound,
		apperr.CodeTierNotFound, apperr.CodeDiscountNotFound, apperr.CodeItemNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition, apperr.CodePendingOrderLimit, apperr.CodeTierChangeStale, apperr.CodeTierCooldown,
		apperr.CodeIdempotencyInProgress:
		return http.StatusConflict
	case apperr.CodeNoValidItems, apperr.CodeItemInactive, apperr.CodeInsufficientStock,
		apperr.CodeDiscountInactive, apperr.CodeDiscountExpired, apperr.CodeDiscountNotStarted,
		apperr.CodeDiscountMinimumNotMet, apperr.CodeDiscountNotApplicable, apperr.CodeTierRuleInvalid,
		apperr.CodeIdempotencyKeyReused:
		return http.StatusUnprocessableEntity
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError never exposes the wrapped cause; the full error goes to the request log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWith(w, r, err, nil)
}

// writeErrorWith adds extra top-level fields next to "error".
func writeErrorWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	pub := apperr.Public(err)
	status := statusFor(pub.Code)
	log := logging.FromContext(r.Context(), nil)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", string(pub.Code)), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("code", string(pub.Code)), zap.Error(err))
	}
	if pub.Code == apperr.CodeTransient {
		w.Header().Set("Retry-After", "1")
	}
	body := map[string]any{"error": errorBody{
		Code:      pub.Code,
		Message:   pub.Message,
		Details:   pub.Details,
		RequestID: middleware.GetReqID(r.Context()),
	}}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, r, apperr.New(apperr.CodeRateLimited, "too many orders, slow down"))
}
