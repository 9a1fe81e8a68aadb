package main

import (
	"time"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the webhook server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long: `Start the Twilio webhook server.

The server will:
1. Load configuration from the specified file (or defaults plus environment)
2. Open the persistence backend and apply the schema when auto_migrate is set
3. Start the reconciliation job for failed writes
4. Serve the voice webhooks, /healthz and /metrics

Live calls are flushed and the server drains on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults and environment variables
  notaryline serve

  # Start with a config file and debug logging
  notaryline serve --config /etc/notaryline.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildMigrateCmd creates the "migrate" command.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema",
		Long: `Create the clients, sessions and documents tables for the configured
Postgres or SQLite backend. Running it again is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML or JSON5 configuration file")
	return cmd
}

// buildQuoteCmd creates the "quote" command.
func buildQuoteCmd() *cobra.Command {
	var (
		at       string
		timezone string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "quote <utterance>",
		Short: "Price a spoken service request",
		Example: `  notaryline quote "I need a notary at the county jail"
  notaryline quote "hospital visit" --at 2026-03-14T19:30:00-05:00`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuote(cmd.OutOrStdout(), joinArgs(args), at, timezone, asJSON)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Time of the call (RFC3339, default now)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA time zone for after-hours pricing (default local)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// buildParseCmd creates the "parse" command.
func buildParseCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "parse <utterance>",
		Short:   "Extract booking details from an utterance",
		Example: `  notaryline parse "John Smith, 123 Main Street, tomorrow at 2pm"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd.OutOrStdout(), joinArgs(args), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// buildSimulateCmd creates the "simulate" command.
func buildSimulateCmd() *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Talk to the agent from the terminal",
		Long: `Run one call against in-memory storage. Each line read from stdin is
treated as the caller's speech; an empty line is a gather timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.flow, "flow", "scripted", "Conversation flow (scripted or conversational)")
	cmd.Flags().StringVar(&opts.from, "from", "+15555550100", "Caller phone number")
	cmd.Flags().StringVar(&opts.timezone, "timezone", "", "IANA time zone (default local)")
	cmd.Flags().DurationVar(&opts.lead, "session-lead", time.Hour, "Offset from now stored as the session date")
	return cmd
}
