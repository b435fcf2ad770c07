package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/angelmondragon/membergate-backend/internal/app"
	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

type runtime struct {
	cfg      *config.Config
	logg     *logger.Logger
	db       *db.Client
	services *app.Services
}

func (r *runtime) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

// loadRuntime connects to the database and providers and wires the services.
func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logg := logger.New(logger.Options{
		ServiceName: "opsctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, err
	}
	gateways, err := app.NewGateways(ctx, cfg, logg)
	if err != nil {
		_ = dbClient.Close()
		return nil, err
	}
	services, err := app.Build(app.Deps{
		Config:     cfg,
		DB:         dbClient,
		Logger:     logg,
		Membership: gateways.Membership,
		Payments:   gateways.Payments,
		Notifier:   gateways.Notifier,
	})
	if err != nil {
		_ = dbClient.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logg: logg, db: dbClient, services: services}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
