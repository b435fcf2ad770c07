package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/membergate-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/membergate-backend/api/controllers/webhooks"
	"github.com/angelmondragon/membergate-backend/api/middleware"
	"github.com/angelmondragon/membergate-backend/internal/app"
	yookassawebhook "github.com/angelmondragon/membergate-backend/internal/webhooks/yookassa"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

// redisStore is the slice of the Redis client the API needs.
type redisStore interface {
	controllers.Pinger
	IdempotencyKey(scope, id string) string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type Params struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           controllers.Pinger
	Redis        redisStore
	Services     *app.Services
	Webhook      *yookassawebhook.Service
	WebhookGuard *yookassawebhook.IdempotencyGuard
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(p Params) http.Handler {
	cfg, logg, svcs := p.Config, p.Logger, p.Services

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	ipLimiter := middleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	paymentPolicy := middleware.NewThrottlePolicy("payments", cfg.RateLimit.AccountWindow, cfg.RateLimit.AccountLimit)
	invitePolicy := middleware.NewThrottlePolicy("invite", cfg.RateLimit.AccountWindow, cfg.RateLimit.AccountLimit)

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, map[string]controllers.Pinger{
			"db":    p.DB,
			"redis": p.Redis,
		}, logg))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(ipLimiter, logg))
		r.Post("/yookassa", webhookcontrollers.YooKassaWebhook(p.Webhook, p.WebhookGuard, cfg.YooKassa.WebhookToken, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(ipLimiter, logg))
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.RoleMember, logg))
		r.Use(middleware.Idempotency(p.Redis, logg))

		r.Post("/account", controllers.AccountTouch(svcs.Accounts, logg))
		r.Get("/account", controllers.AccountStatus(svcs.Accounts, logg))
		r.Put("/account/phone", controllers.AccountPhone(svcs.Accounts, logg))
		r.Delete("/account/payment-method", controllers.PaymentMethodDelete(svcs.Accounts, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Throttle(paymentPolicy, p.Redis, logg))
			r.Post("/checkout", controllers.Checkout(svcs.Payments, logg))
			r.Post("/checkout/{paymentId}/confirm", controllers.CheckoutConfirm(svcs.Payments, logg))
		})
		r.With(middleware.Throttle(invitePolicy, p.Redis, logg)).Post("/invite", controllers.Invite(svcs.Invites, logg))

		r.Post("/subscription/cancel", controllers.SubscriptionCancel(svcs.Operator, logg))
		r.Put("/subscription/auto-renewal", controllers.AutoRenewal(svcs.Accounts, logg))

		r.Post("/referrals", controllers.ReferralRecord(svcs.Referrals, logg))
		r.Get("/referrals", controllers.ReferralStats(svcs.Accounts, svcs.Referrals, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(ipLimiter, logg))
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireOperator(cfg.Admin.IsAdmin, logg))
		r.Use(middleware.Idempotency(p.Redis, logg))

		r.Post("/accounts/{id}/grant", controllers.AdminGrant(svcs.Operator, logg))
		r.Post("/accounts/{id}/revoke", controllers.AdminRevoke(svcs.Operator, logg))
		r.Post("/accounts/{id}/recompute", controllers.AdminRecomputeAccount(svcs.Operator, logg))
		r.Get("/accounts/{id}/adjustments", controllers.AdminAdjustments(svcs.Store, logg))
		r.Post("/resync", controllers.AdminResync(svcs.Operator, logg))
		r.Post("/recompute", controllers.AdminRecompute(svcs.Operator, logg))
	})

	return r
}
