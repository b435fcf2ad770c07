package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/membergate-backend/api/responses"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/redis"
)

// ThrottlePolicy caps how often one caller may hit a surface within a window.
type ThrottlePolicy struct {
	name   string
	window time.Duration
	limit  int
}

func NewThrottlePolicy(name string, window time.Duration, limit int) ThrottlePolicy {
	return ThrottlePolicy{
		name:   strings.ToLower(strings.TrimSpace(name)),
		window: window,
		limit:  limit,
	}
}

func (p ThrottlePolicy) enabled() bool {
	return p.window > 0 && p.limit > 0
}

func (p ThrottlePolicy) normalizedName() string {
	if p.name == "" {
		return "api"
	}
	return p.name
}

// scope keys the counter on the authenticated account, falling back to the
// client IP for anonymous callers.
func (p ThrottlePolicy) scope(r *http.Request) string {
	if id := AccountIDFromContext(r.Context()); id > 0 {
		return fmt.Sprintf("%s:account:%d", p.normalizedName(), id)
	}
	if ip := clientIP(r); ip != "" {
		return fmt.Sprintf("%s:ip:%s", p.normalizedName(), ip)
	}
	return ""
}

// Throttle enforces a shared fixed-window counter so the limit holds across
// every API replica.
func Throttle(policy ThrottlePolicy, limiter redis.Limiter, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			scope := policy.scope(r)
			if scope == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, count, err := limiter.FixedWindowAllow(ctx, scope, int64(policy.limit), policy.window)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			if !allowed {
				respondThrottled(ctx, logg, w, policy, scope, count)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondThrottled(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy ThrottlePolicy, scope string, count int64) {
	if logg != nil {
		logCtx := logg.WithFields(ctx, map[string]any{
			"scope":          scope,
			"policy":         policy.normalizedName(),
			"attempts":       count,
			"limit":          policy.limit,
			"window_seconds": int(policy.window.Seconds()),
		})
		logg.Warn(logCtx, "throttle.blocked")
	}
	retry := redis.WindowRemaining(time.Now(), policy.window)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int((retry+time.Second-1)/time.Second)))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
