package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Locker serializes administrative work across server instances. Locks are
// best effort: correctness still comes from the store's atomic commit.
type Locker interface {
	// Acquire returns a release func. When the lock cannot be obtained the
	// release func is a no-op and acquired is false.
	Acquire(ctx context.Context, key string) (release func(), acquired bool)
}

type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string) (func(), bool) {
	return func() {}, true
}

type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	logger  logrus.FieldLogger
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client:  redislock.New(rdb),
		ttl:     ttl,
		retries: 10,
		logger:  logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), bool) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.ExponentialBackoff(20*time.Millisecond, 500*time.Millisecond), l.retries),
	}
	held, err := l.client.Obtain(ctx, "goldpos:lock:"+key, l.ttl, opts)
	if err != nil {
		entry := l.logger.WithFields(logrus.Fields{"module": "lock", "key": key})
		if errors.Is(err, redislock.ErrNotObtained) {
			entry.Warn("lock not obtained, continuing without it")
		} else {
			entry.WithError(err).Warn("lock backend unavailable, continuing without it")
		}
		return func() {}, false
	}

	return func() {
		// The caller's context may already be done by the time we release.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithFields(logrus.Fields{"module": "lock", "key": key}).WithError(err).Warn("lock release failed")
		}
	}, true
}
