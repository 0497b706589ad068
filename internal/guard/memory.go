package guard

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	clock   func() time.Time
	windows map[string]*window
}

func NewMemoryLimiter(limit int, period time.Duration, clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{limit: limit, period: period, clock: clock, windows: map[string]*window{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.period)) {
		l.sweep(now)
		w = &window{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false, w.start.Add(l.period).Sub(now), nil
	}
	w.count++
	return true, 0, nil
}

// sweep drops expired windows so idle keys do not accumulate.
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.start.Add(l.period)) {
			delete(l.windows, k)
		}
	}
}

type MemoryLocker struct {
	mu    sync.Mutex
	clock func() time.Time
	held  map[string]lease
	seq   uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker(clock func() time.Time) *MemoryLocker {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLocker{clock: clock, held: map[string]lease{}}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return func() {}, false, nil
	}
	l.seq++
	token := l.seq
	l.held[key] = lease{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, true, nil
}
