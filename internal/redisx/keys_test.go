package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "idem:order:create:t1:abc", IdemOrderCreate("t1", "abc"))
	require.Equal(t, "order_status:t1:o1", OrderStatus("t1", "o1"))
	require.Equal(t, "dedup:projector:e1", Dedup("projector", "e1"))
	require.Equal(t, "lock:tiers:downgrade:t1", Lock("tiers:downgrade:t1"))
}

func TestMarkOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	first, err := MarkOnce(ctx, rdb, "dedup:x:1", time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	second, err := MarkOnce(ctx, rdb, "dedup:x:1", time.Minute)
	require.NoError(t, err)
	require.False(t, second)

	ok, err := Exists(ctx, rdb, "dedup:x:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, Ping(ctx, rdb))
}
