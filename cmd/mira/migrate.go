package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	mconfig "github.com/mira-run/mira/internal/config"
	"github.com/mira-run/mira/internal/storage/postgres"
)

// buildMigrateCmd creates the "migrate" command group for the mira_memory
// schema. The embedded migration runner (internal/storage/postgres) applies
// pending migrations as a side effect of opening the pool, so "up" and
// "status" both connect through postgres.PoolManager.Pool; there is no
// separate dry-run connection path.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the mira_memory database schema",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to bootstrap config YAML")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd.Context(), configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report which migrations are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd.Context(), configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration (unsupported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("migrate down: the embedded forward-only migration runner has no rollback path; restore from a backup instead")
		},
	})

	return cmd
}

func runMigrateUp(ctx context.Context, configPath string) error {
	cfg, err := mconfig.LoadBootstrap(configPath)
	if err != nil {
		return fmt.Errorf("load bootstrap config: %w", err)
	}

	pools := postgres.NewPoolManager(postgres.DefaultPoolConfig())
	defer pools.ResetAll()

	// Pool() applies every pending migration as a side effect of connecting.
	if _, err := pools.Pool(ctx, "mira_memory", cfg.Database.DSN); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	fmt.Println("migrate up: mira_memory is up to date")
	return nil
}

func runMigrateStatus(ctx context.Context, configPath string) error {
	cfg, err := mconfig.LoadBootstrap(configPath)
	if err != nil {
		return fmt.Errorf("load bootstrap config: %w", err)
	}

	pools := postgres.NewPoolManager(postgres.DefaultPoolConfig())
	defer pools.ResetAll()

	db, err := pools.Pool(ctx, "mira_memory", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return fmt.Errorf("migrate status: query schema_migrations: %w", err)
	}
	defer rows.Close()

	fmt.Println("applied migrations:")
	for rows.Next() {
		var id string
		var appliedAt time.Time
		if err := rows.Scan(&id, &appliedAt); err != nil {
			return fmt.Errorf("migrate status: scan: %w", err)
		}
		fmt.Printf("  %s  %s\n", appliedAt.Format(time.RFC3339), id)
	}
	return rows.Err()
}
