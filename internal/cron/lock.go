package cron

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

const (
	defaultLockTTL = 30 * time.Minute
	lockKeyFormat  = "membergate:cron:%s:%s"
)

// LockKey names the lock of one schedule in one environment.
func LockKey(env, schedule string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env, schedule)
}

// Lock keeps two workers from running the same schedule at once. Every
// sweep is safe to overlap; the lock only saves duplicate remote calls.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// redisStore defines the operations used by RedisLock.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisLock implements Lock using Redis SETNX + TTL.
type RedisLock struct {
	client redisStore
	key    string
	ttl    time.Duration
	owner  string
}

// NewRedisLock constructs a Redis-backed lock.
func NewRedisLock(client redisStore, key string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "redis client required for lock")
	}
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl}, nil
}

// Acquire tries to own the lock for the configured TTL.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// Release frees the lock only if the owner value still matches.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	value, err := l.client.Get(ctx, l.key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != l.owner {
		return nil
	}
	if err := l.client.Del(ctx, l.key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	l.owner = ""
	return nil
}

// LocalLock is an in-process lock for single-worker setups without Redis.
type LocalLock struct {
	held atomic.Bool
}

func (l *LocalLock) Acquire(context.Context) (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

func (l *LocalLock) Release(context.Context) error {
	l.held.Store(false)
	return nil
}
