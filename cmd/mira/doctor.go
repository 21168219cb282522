package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	mconfig "github.com/mira-run/mira/internal/config"
	"github.com/mira-run/mira/internal/storage/postgres"
	"github.com/mira-run/mira/internal/vault"
)

// buildDoctorCmd creates the "doctor" command, which loads and validates the
// bootstrap config and probes connectivity to every dependency mira serve
// needs (Postgres, Valkey, and Vault if enabled) without starting the HTTP
// server or scheduler.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and probe dependency connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to bootstrap config YAML")
	return cmd
}

func runDoctor(ctx context.Context, configPath string) error {
	fmt.Printf("doctor: loading %s\n", configPath)
	cfg, err := mconfig.LoadBootstrap(configPath)
	if err != nil {
		fmt.Printf("  config: FAIL (%v)\n", err)
		return err
	}
	fmt.Println("  config: OK")

	var failed bool

	pools := postgres.NewPoolManager(postgres.DefaultPoolConfig())
	defer pools.ResetAll()
	if _, err := pools.Pool(ctx, "mira_memory", cfg.Database.DSN); err != nil {
		fmt.Printf("  postgres: FAIL (%v)\n", err)
		failed = true
	} else {
		fmt.Println("  postgres: OK (mira_memory reachable, migrations applied)")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Valkey.Addr, Password: cfg.Valkey.Password, DB: cfg.Valkey.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("  valkey: FAIL (%v)\n", err)
		failed = true
	} else {
		fmt.Println("  valkey: OK")
	}

	if cfg.Vault.Enabled {
		vaultClient, err := vault.New(ctx, vault.Config{
			Address:       cfg.Vault.Address,
			Token:         cfg.Vault.Token,
			RoleID:        cfg.Vault.RoleID,
			SecretID:      cfg.Vault.SecretID,
			KnownServices: []string{"anthropic", "openai"},
		})
		if err != nil {
			fmt.Printf("  vault: FAIL (%v)\n", err)
			failed = true
		} else if err := vaultClient.Ping(ctx); err != nil {
			fmt.Printf("  vault: FAIL (%v)\n", err)
			failed = true
		} else {
			fmt.Println("  vault: OK")
		}
	} else {
		fmt.Println("  vault: skipped (disabled)")
	}

	if failed {
		return fmt.Errorf("doctor: one or more dependency checks failed")
	}
	fmt.Println("doctor: all checks passed")
	return nil
}
