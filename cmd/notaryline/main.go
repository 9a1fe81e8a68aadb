// Package main provides the CLI entry point for notaryline, the phone agent
// that quotes and books mobile notary appointments.
//
// # Basic Usage
//
// Start the webhook server:
//
//	notaryline serve --config notaryline.yaml
//
// Apply the storage schema:
//
//	notaryline migrate --config notaryline.yaml
//
// Try the conversation from a terminal:
//
//	notaryline simulate
//
// # Environment Variables
//
//   - NOTARYLINE_CONFIG: Path to configuration file (default: notaryline.yaml)
//   - TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER: SMS and signatures
//   - ELEVENLABS_API_KEY, ELEVENLABS_VOICE_ID: speech synthesis
//   - DATABASE_URL: Postgres DSN
//   - PUBLIC_URL, PORT: webhook base URL and listen port
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "notaryline",
		Short: "notaryline - phone agent for mobile notary bookings",
		Long: `notaryline answers Twilio voice webhooks, quotes notary visits and books
appointments into Postgres or SQLite.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildQuoteCmd(),
		buildParseCmd(),
		buildSimulateCmd(),
	)
	return rootCmd
}

// defaultConfigPath is NOTARYLINE_CONFIG, else notaryline.yaml when it exists.
func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("NOTARYLINE_CONFIG")); path != "" {
		return path
	}
	if _, err := os.Stat("notaryline.yaml"); err == nil {
		return "notaryline.yaml"
	}
	return ""
}
