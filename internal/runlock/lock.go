// Package runlock keeps sync runs from overlapping.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crmsync/internal/config"
)

// Key is the lock shared by full, recent and merge runs.
const Key = "crmsync:sync"

var (
	// ErrLockNotAcquired is returned when another run holds the lock
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
	ErrLockNotHeld = errors.New("lock not held")
)

// Locker runs fn while holding the run lock.
type Locker interface {
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}

// New returns a Redis-backed locker, or a no-op one when Redis is not
// configured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (Locker, error) {
	if cfg.RedisAddr == "" {
		logger.Debug("redis not configured, run lock disabled")
		return Noop{}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return NewRedis(rdb, Key, cfg.RunLockTTL, cfg.RunLockWait, logger), nil
}

// Noop runs fn without locking.
type Noop struct{}

func (Noop) WithLock(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

func (Noop) Close() error { return nil }

// Redis is a single-key lock stored with SET NX and a random token.
type Redis struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

func NewRedis(rdb *redis.Client, key string, ttl, wait time.Duration, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, key: key, ttl: ttl, wait: wait, logger: logger.Named("runlock")}
}

// Lease is a held lock.
type Lease struct {
	r     *Redis
	value string
}

// Acquire takes the lock once.
func (r *Redis) Acquire(ctx context.Context) (*Lease, error) {
	value := uuid.New().String()
	ok, err := r.rdb.SetNX(ctx, r.key, value, r.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	r.logger.Debug("lock acquired", zap.String("key", r.key))
	return &Lease{r: r, value: value}, nil
}

// TryAcquire retries Acquire with capped exponential backoff until the wait
// period runs out.
func (r *Redis) TryAcquire(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(r.wait)
	backoff := 10 * time.Millisecond

	for {
		lease, err := r.Acquire(ctx)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) || !time.Now().Before(deadline) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release deletes the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, l.r.rdb, []string{l.r.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	l.r.logger.Debug("lock released", zap.String("key", l.r.key))
	return nil
}

func (r *Redis) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lease, err := r.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("run lock %s: %w", r.key, err)
	}
	defer func() {
		// the run's ctx may already be cancelled
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("lock release failed", zap.String("key", r.key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (r *Redis) Close() error { return r.rdb.Close() }
