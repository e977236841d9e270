package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RunLocker guards continuous-mode runs so only one replica reconciles a
// record type at a time. TryLock returns ok=false when another holder owns
// the key; a held lock is released via the returned function.
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// NopLocker always grants the lock. Used in single-replica deployments.
type NopLocker struct{}

// TryLock grants the lock unconditionally.
func (NopLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// RedisLocker coordinates runs across replicas with Redis-backed locks.
type RedisLocker struct {
	locker *redislock.Client
}

// NewRedisLocker creates a RunLocker over an existing Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{locker: redislock.New(client)}
}

// TryLock attempts to obtain the key without waiting.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}
	return release, true, nil
}
