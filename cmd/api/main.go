package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/membergate-backend/api/routes"
	"github.com/angelmondragon/membergate-backend/internal/app"
	yookassawebhook "github.com/angelmondragon/membergate-backend/internal/webhooks/yookassa"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/instance"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/metrics"
	"github.com/angelmondragon/membergate-backend/pkg/migrate"
	"github.com/angelmondragon/membergate-backend/pkg/redis"
)

const (
	webhookDedupTTL = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gateways, err := app.NewGateways(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build gateways", err)
		os.Exit(1)
	}

	services, err := app.Build(app.Deps{
		Config:     cfg,
		DB:         dbClient,
		Logger:     logg,
		Membership: gateways.Membership,
		Payments:   gateways.Payments,
		Notifier:   gateways.Notifier,
		Metrics:    metrics.NewOutcomeMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build services", err)
		os.Exit(1)
	}

	webhookService, err := yookassawebhook.NewService(services.Payments, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}
	webhookGuard, err := yookassawebhook.NewIdempotencyGuard(redisClient, webhookDedupTTL, "webhook:yookassa")
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
		"provider": cfg.Payments.ProviderName(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Params{
			Config:       cfg,
			Logger:       logg,
			DB:           dbClient,
			Redis:        redisClient,
			Services:     services,
			Webhook:      webhookService,
			WebhookGuard: webhookGuard,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server stopped")
	}
}
