// Package guard holds the two pieces of cross-request state the service needs: a fixed-window
// rate limiter and a single-flight lock. Each has an in-process and a Redis implementation; which
// one is used is decided once at startup.
package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Limiter interface {
	// Allow counts one hit against key. When the window is exhausted it returns false and the time
	// until the window resets.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type Locker interface {
	// Acquire returns ok=false when someone else holds key. release is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// New picks the Redis implementations when rdb is non-nil and the in-process ones otherwise.
func New(rdb redis.UniversalClient, limit int, window time.Duration, log *zap.Logger) (Limiter, Locker) {
	if rdb == nil {
		return NewMemoryLimiter(limit, window, nil), NewMemoryLocker(nil)
	}
	return NewRedisLimiter(rdb, limit, window), NewRedisLocker(rdb, log)
}
