package redisx

import (
	"fmt"
	"time"
)

const (
	// idem:order:create:{tenant}:{idempotency key} -> cached response body
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// order_status:{tenant}:{order_id} -> hash {status, order_number, at}
	KeyOrderStatus = "order_status:%s:%s"

	// dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// ratelimit:{scope}:{subject}
	KeyRateLimit = "ratelimit:%s"

	// lock:{name}
	KeyLock = "lock:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func IdemOrderCreate(tenantID, key string) string {
	return fmt.Sprintf(KeyIdemOrderCreate, tenantID, key)
}

func OrderStatus(tenantID, orderID string) string {
	return fmt.Sprintf(KeyOrderStatus, tenantID, orderID)
}

func Dedup(consumer, eventID string) string {
	return fmt.Sprintf(KeyDedup, consumer, eventID)
}

func RateLimit(subject string) string {
	return fmt.Sprintf(KeyRateLimit, subject)
}

func Lock(name string) string {
	return fmt.Sprintf(KeyLock, name)
}
