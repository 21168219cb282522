// Package main provides the CLI entry point for the mira conversational
// assistant core: a single-process service that holds continuums,
// long-term memory, and the tool repository behind Postgres, Valkey, and
// Vault, fronted by the thin httpapi HTTP surface.
//
// # Basic Usage
//
// Start the server:
//
//	mira serve --config mira.yaml
//
// Apply database migrations:
//
//	mira migrate up
//
// Check configuration and dependency health without serving traffic:
//
//	mira doctor
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise command wiring without
// calling os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mira",
		Short: "mira - conversational assistant core",
		Long: `mira holds per-user continuums, long-term memory, and tool invocation
behind Postgres, Valkey, and Vault, and exposes chat/actions/data/health
over HTTP.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDoctorCmd(),
	)

	return rootCmd
}
