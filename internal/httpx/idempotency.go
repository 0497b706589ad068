package httpx

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
	"github.com/ariefcatur/go-tenant-orders/internal/guard"
	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/redisx"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "X-Idempotent-Replay"
	maxBodyBytes         = 1 << 20
)

type storedResponse struct {
	Fingerprint string          `json:"fingerprint"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
}

// idempotent replays the first successful response for a tenant-scoped Idempotency-Key. Requests
// without the header pass through. A key reused with a different body is rejected.
func idempotent(rdb redis.UniversalClient, locker guard.Locker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rdb == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			log := logging.FromContext(ctx, nil)

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, r, apperr.New(apperr.CodeValidation, "unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])
			storeKey := redisx.IdemOrderCreate(tenantFrom(ctx), key)

			if locker != nil {
				release, ok, err := locker.Acquire(ctx, storeKey, 30*time.Second)
				if err != nil {
					writeError(w, r, apperr.Wrap(apperr.CodeTransient, "idempotency lock unavailable", err))
					return
				}
				if !ok {
					writeError(w, r, apperr.New(apperr.CodeIdempotencyInProgress, "a request with this idempotency key is in progress"))
					return
				}
				defer release()
			}

			raw, err := rdb.Get(ctx, storeKey).Bytes()
			switch {
			case err == nil:
				var prev storedResponse
				if err := json.Unmarshal(raw, &prev); err == nil {
					if prev.Fingerprint != fingerprint {
						writeError(w, r, apperr.New(apperr.CodeIdempotencyKeyReused, "idempotency key reused with a different request"))
						return
					}
					w.Header().Set(headerReplayed, "true")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(prev.Status)
					_, _ = w.Write(prev.Body)
					return
				}
				log.Warn("corrupt idempotency record, ignoring", zap.String("key", storeKey))
			case !errors.Is(err, redis.Nil):
				log.Warn("idempotency lookup failed, serving without replay", zap.Error(err))
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status >= 300 {
				return
			}
			b, _ := json.Marshal(storedResponse{Fingerprint: fingerprint, Status: rec.status, Body: bytes.TrimSpace(rec.buf.Bytes())})
			if err := rdb.Set(ctx, storeKey, b, redisx.TTLIdempotency).Err(); err != nil {
				log.Warn("idempotency record not saved", zap.String("key", storeKey), zap.Error(err))
			}
		})
	}
}

// recorder passes writes through and keeps a copy of the body.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}
