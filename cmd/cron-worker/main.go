package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/membergate-backend/internal/app"
	"github.com/angelmondragon/membergate-backend/internal/cron"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/instance"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/metrics"
	"github.com/angelmondragon/membergate-backend/pkg/migrate"
	"github.com/angelmondragon/membergate-backend/pkg/redis"
)

type schedule struct {
	name     string
	interval time.Duration
	job      cron.Job
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	schedules, err := buildSchedules(cfg, logg, services)
	if err != nil {
		logg.Error(context.Background(), "failed to build jobs", err)
		os.Exit(1)
	}

	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	runners := make([]*cron.Service, 0, len(schedules))
	for _, sch := range schedules {
		lock, err := cron.NewRedisLock(redisClient, cron.LockKey(cfg.App.Env, sch.name), 0)
		if err != nil {
			logg.Error(context.Background(), "failed to create cron lock", err)
			os.Exit(1)
		}
		registry, err := cron.NewRegistry(sch.job)
		if err != nil {
			logg.Error(context.Background(), "failed to register cron job", err)
			os.Exit(1)
		}
		service, err := cron.NewService(cron.ServiceParams{
			Name:     sch.name,
			Logger:   logg,
			Registry: registry,
			Lock:     lock,
			Metrics:  cronMetrics,
			Interval: sch.interval,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create cron service", err)
			os.Exit(1)
		}
		runners = append(runners, service)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
		"provider":    cfg.Payments.ProviderName(),
	})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		runner := runner
		group.Go(func() error {
			return runner.Run(groupCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildSchedules(cfg *config.Config, logg *logger.Logger, services *app.Services) ([]schedule, error) {
	jobs, err := cron.NewJobs(logg, cron.Sweepers{
		Reconcile: services.Reconciler,
		Renewal:   services.Renewal,
		Reminders: services.Reminders,
		Payments:  services.Payments,
	})
	if err != nil {
		return nil, err
	}

	intervals := map[string]time.Duration{
		cron.JobReconcile:   cfg.Reconcile.Interval,
		cron.JobRenewal:     cfg.Renewal.Interval,
		cron.JobReminders:   cfg.Reminders.Interval,
		cron.JobPaymentPoll: cfg.Payments.PollInterval,
	}
	schedules := make([]schedule, 0, len(intervals))
	for _, job := range jobs.Jobs() {
		schedules = append(schedules, schedule{name: job.Name(), interval: intervals[job.Name()], job: job})
	}
	return schedules, nil
}
