package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/redisx"
)

type RedisLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	period time.Duration
}

func NewRedisLimiter(rdb redis.UniversalClient, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, period: period}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	k := redisx.RateLimit(key)

	res, err := incrScript.Run(ctx, l.rdb, []string{k}, l.period.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	if res[0] > int64(l.limit) {
		return false, time.Duration(res[1]) * time.Millisecond, nil
	}
	return true, 0, nil
}

// INCR and start the window on the first hit, atomically.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// compare-and-delete so a lock that expired and was taken by someone else is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, log *zap.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, log: logging.OrNop(log)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := redisx.Lock(key)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may already be cancelled by the time the job finishes
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil {
				l.log.Warn("lock release failed", zap.String("key", k), zap.Error(err))
			}
		})
	}, true, nil
}
