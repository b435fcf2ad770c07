package middleware

import (
	"context"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

type contextKey string

const (
	ctxAccountID contextKey = "account_id"
	ctxRole      contextKey = "actor_role"
)

// AccountIDFromContext returns the authenticated account, or 0.
func AccountIDFromContext(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if v, ok := ctx.Value(ctxAccountID).(int64); ok {
		return v
	}
	return 0
}

func RoleFromContext(ctx context.Context) enums.Role {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRole).(enums.Role); ok {
		return v
	}
	return ""
}

// WithIdentity injects the authenticated account and role.
func WithIdentity(ctx context.Context, accountID int64, role enums.Role) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxAccountID, accountID)
	return context.WithValue(ctx, ctxRole, role)
}
