// Package main provides the CLI entry point for the Fluxdesk channel
// connection service.
//
// Fluxdesk connects help-desk organizations to their customer-facing
// channels: Microsoft 365 and Gmail mailboxes, IMAP servers, and Meta
// messaging surfaces (Messenger, Instagram, WhatsApp). It owns channel
// onboarding, OAuth authorization, credential storage, polling sync,
// webhook intake, and the connection audit trail.
//
// # Basic Usage
//
// Start the server:
//
//	fluxdesk serve --config fluxdesk.yaml
//
// Apply database migrations without starting the server:
//
//	fluxdesk migrate --config fluxdesk.yaml
//
// Configuration values may reference environment variables with ${VAR}
// syntax; they are expanded before the file is parsed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fluxdesk",
		Short:         "Fluxdesk channel connection service",
		Long:          "Fluxdesk synchronizes help-desk channels: mailboxes over OAuth or IMAP, and Meta messaging accounts over webhooks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildVersionCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Fluxdesk server",
		Long: `Start the Fluxdesk server with all enabled channel providers.

The server will:
1. Load configuration from the specified file
2. Open the channel store (memory or Postgres) and apply migrations
3. Register enabled providers (Microsoft 365, Gmail, IMAP, Meta)
4. Start the poll scheduler, job workers, and webhook renewal sweep
5. Serve the HTTP API, OAuth callbacks, and webhook intake

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  fluxdesk serve

  # Start with custom config
  fluxdesk serve --config /etc/fluxdesk/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fluxdesk %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("FLUXDESK_CONFIG"); p != "" {
		return p
	}
	return "fluxdesk.yaml"
}
