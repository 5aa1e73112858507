package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/matt-riley/expz/internal/config"
	"github.com/matt-riley/expz/migrations"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
	}
	db := addDatabaseFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return db.withPool(cmd, root, func(ctx context.Context, pool *pgxpool.Pool, _ *slog.Logger) error {
			return runMigrations(ctx, pool)
		})
	}
	return cmd
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("migrations applied")
	return nil
}

// databaseFlags connects the admin commands to PostgreSQL.
type databaseFlags struct {
	env *envFlags
}

func addDatabaseFlags(cmd *cobra.Command) *databaseFlags {
	env := newEnvFlags(cmd)
	cmd.Flags().String("database-url", "", "PostgreSQL connection string (default $DATABASE_URL)")
	env.bind("database-url", "DATABASE_URL")
	return &databaseFlags{env: env}
}

func (d *databaseFlags) withPool(cmd *cobra.Command, root *rootOptions, fn func(context.Context, *pgxpool.Pool, *slog.Logger) error) error {
	cfg, err := config.LoadFrom(d.env.getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := root.logger(cmd, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx := cmd.Context()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return fn(ctx, pool, log)
}
