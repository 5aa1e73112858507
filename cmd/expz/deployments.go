package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/expz/internal/repository"
)

func newDeploymentsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "Manage deployments and their keys",
	}
	cmd.AddCommand(
		newDeploymentsCreateCommand(root),
		newDeploymentsListCommand(root),
		newDeploymentsRevokeCommand(root),
	)
	return cmd
}

func newDeploymentsCreateCommand(root *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deployment and print its key",
		Long: `Create a deployment and print its key as <id>.<secret>.

Only a hash of the secret is stored: the key cannot be shown again.`,
		Args: cobra.NoArgs,
	}
	db := addDatabaseFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "deployment name")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return db.withPool(cmd, root, func(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
			deployment, secret, err := repository.NewPostgresRepository(pool).CreateDeployment(ctx, name)
			if err != nil {
				return err
			}
			log.Info("deployment created", "deployment_id", deployment.ID, "name", deployment.Name)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s.%s\n", deployment.ID, secret)
			return err
		})
	}
	return cmd
}

func newDeploymentsListCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments as JSON",
		Args:  cobra.NoArgs,
	}
	db := addDatabaseFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return db.withPool(cmd, root, func(ctx context.Context, pool *pgxpool.Pool, _ *slog.Logger) error {
			deployments, err := repository.NewPostgresRepository(pool).ListDeployments(ctx)
			if err != nil {
				return err
			}
			if deployments == nil {
				deployments = []repository.Deployment{}
			}
			return writeJSON(cmd.OutOrStdout(), deployments)
		})
	}
	return cmd
}

func newDeploymentsRevokeCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a deployment key",
		Args:  cobra.ExactArgs(1),
	}
	db := addDatabaseFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return db.withPool(cmd, root, func(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
			if err := repository.NewPostgresRepository(pool).RevokeDeployment(ctx, args[0]); err != nil {
				return err
			}
			log.Info("deployment revoked", "deployment_id", args[0])
			return nil
		})
	}
	return cmd
}
