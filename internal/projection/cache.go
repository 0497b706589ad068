// Package projection keeps a Redis copy of each order's current status, fed from order events
// and read by the API before it falls back to Postgres.
package projection

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-tenant-orders/internal/redisx"
)

// putScript writes the status hash unless the stored entry is newer. ARGV: at (unix ms), status,
// order number, ttl (ms).
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'at', ARGV[1], 'status', ARGV[2], 'order_number', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

type Status struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewCache(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb, ttl: redisx.TTLStatusCache}
}

// Put stores s for the tenant and reports whether it replaced an older entry.
func (c *Cache) Put(ctx context.Context, tenantID string, s Status) (bool, error) {
	n, err := putScript.Run(ctx, c.rdb, []string{redisx.OrderStatus(tenantID, s.OrderID)},
		s.UpdatedAt.UnixMilli(), s.Status, s.OrderNumber, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Cache) Get(ctx context.Context, tenantID, orderID string) (Status, bool, error) {
	m, err := c.rdb.HGetAll(ctx, redisx.OrderStatus(tenantID, orderID)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(m) == 0 || m["status"] == "" {
		return Status{}, false, nil
	}
	ms, _ := strconv.ParseInt(m["at"], 10, 64)
	return Status{
		OrderID:     orderID,
		OrderNumber: m["order_number"],
		Status:      m["status"],
		UpdatedAt:   time.UnixMilli(ms).UTC(),
	}, true, nil
}
