package yookassawebhook

import (
	"context"
	"time"

	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/redis"
)

// IdempotencyGuard drops notifications already handled within ttl.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "idempotency store is required")
	}
	if ttl < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "ttl must be non-negative")
	}
	if scope == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "scope is required")
	}
	return &IdempotencyGuard{store: store, ttl: ttl, scope: scope}, nil
}

// CheckAndMark reports whether the key was already seen, marking it if not.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	claimed, err := g.store.Claim(ctx, g.scope, key, g.ttl)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim webhook key")
	}
	return !claimed, nil
}

// Delete forgets the key so a redelivery is processed again.
func (g *IdempotencyGuard) Delete(ctx context.Context, key string) error {
	if key == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	return g.store.Forget(ctx, g.scope, key)
}
