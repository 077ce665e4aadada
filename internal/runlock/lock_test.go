package runlock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmsync/internal/config"
)

func TestNewWithoutRedisIsNoop(t *testing.T) {
	l, err := New(context.Background(), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Noop{}, l)

	called := false
	err = l.WithLock(context.Background(), func(context.Context) error {
		called = true
		return errors.New("boom")
	})
	assert.True(t, called)
	assert.EqualError(t, err, "boom")
	assert.NoError(t, l.Close())
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisLockExcludesSecondRun(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	key := "crmsync:test:" + uuid.NewString()

	first := NewRedis(rdb, key, time.Minute, 0, zap.NewNop())
	second := NewRedis(rdb, key, time.Minute, 50*time.Millisecond, zap.NewNop())

	err := first.WithLock(ctx, func(ctx context.Context) error {
		inner := second.WithLock(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	ran := false
	require.NoError(t, second.WithLock(ctx, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, int64(0), rdb.Exists(ctx, key).Val())
}

func TestReleaseAfterTakeover(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	key := "crmsync:test:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), key) })

	l := NewRedis(rdb, key, time.Minute, 0, zap.NewNop())
	lease, err := l.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, rdb.Set(ctx, key, "someone else", time.Minute).Err())
	assert.ErrorIs(t, lease.Release(ctx), ErrLockNotHeld)
}
