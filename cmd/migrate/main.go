// Command migrate manages the database schema: goose SQL migrations for
// Postgres and model automigration for SQLite.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/membergate-backend/pkg/config"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/migrate"
)

func main() {
	_ = godotenv.Load()
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		logg.Error(context.Background(), "migrate failed", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var dir string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply and author schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", migrate.DefaultDir, "goose migrations directory")

	root.AddCommand(
		gooseCommand("up", "Apply every pending migration", &dir, true),
		gooseCommand("down", "Roll back the latest migration", &dir, false),
		gooseCommand("status", "Print applied and pending migrations", &dir, false),
		newToCommand(&dir),
		newCreateCommand(&dir),
		newValidateCommand(&dir),
	)
	return root
}

// gooseCommand runs a plain goose command. SQLite databases only support up,
// which automigrates the models.
func gooseCommand(name, short string, dir *string, sqliteOK bool) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), *dir, name, func(ctx context.Context, client *db.Client, sqlDB *sql.DB) error {
				if client.IsSQLite() {
					if !sqliteOK {
						return fmt.Errorf("sqlite databases only support up")
					}
					return migrate.AutoMigrateModels(client)
				}
				return migrate.Run(ctx, sqlDB, *dir, name)
			})
		},
	}
}

func newToCommand(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "to <version>",
		Short: "Migrate up or down to a version (YYYYMMDDHHMMSS, or 0)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), *dir, "to", func(ctx context.Context, client *db.Client, sqlDB *sql.DB) error {
				if client.IsSQLite() {
					return fmt.Errorf("sqlite databases only support up")
				}
				return migrate.MigrateToVersion(ctx, sqlDB, *dir, args[0])
			})
		},
	}
}

func newCreateCommand(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Write an empty SQL migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := migrate.CreateSQLMigration(*dir, args[0], time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "created migration:", path)
			return err
		},
	}
}

func newValidateCommand(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check migration filenames and goose sections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			latest, err := migrate.Latest(*dir)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migration validation passed, latest version %d\n", latest)
			return err
		},
	}
}

// withDatabase loads config, opens the database and runs fn with a logger
// context describing the command.
func withDatabase(ctx context.Context, dir, command string, fn func(context.Context, *db.Client, *sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": command, "dir": dir})

	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer client.Close()

	var sqlDB *sql.DB
	if !client.IsSQLite() {
		if sqlDB, err = client.DB().DB(); err != nil {
			return fmt.Errorf("extracting sql.DB: %w", err)
		}
	}

	logg.Info(ctx, "migrate ready")
	if err := fn(ctx, client, sqlDB); err != nil {
		return err
	}
	logg.Info(ctx, "migrate complete")
	return nil
}
