package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/notaryline/internal/booking"
	"github.com/haasonsaas/notaryline/internal/config"
	"github.com/haasonsaas/notaryline/internal/pricing"
)

// runServe implements the serve command.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := newLogger(cfg, os.Stderr)

	logger.Info(ctx, "starting notaryline",
		"version", version,
		"commit", commit,
		"config", configPath,
		"flow", cfg.Business.Flow,
		"storage", cfg.Storage.Driver,
	)

	tracer, shutdownTracing := newTracer(cfg)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn(ctx, "tracer shutdown error", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, appOptions{logger: logger, tracer: tracer})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.reconciler.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("start reconciler: %w", err)
	}
	if err := a.server.Start(ctx, cfg.ListenAddr()); err != nil {
		_ = a.Close(context.Background())
		return err
	}
	logger.Info(ctx, "notaryline started", "http_addr", a.server.Addr(), "public_url", cfg.Server.PublicURL)

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http server shutdown error", "error", err)
	}
	if err := a.reconciler.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "reconciler stop error", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info(shutdownCtx, "notaryline stopped")
	return nil
}

// runMigrate applies the storage schema.
func runMigrate(ctx context.Context, out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Driver == config.DriverMemory {
		return fmt.Errorf("storage driver %q has no schema; set storage.driver to postgres or sqlite", cfg.Storage.Driver)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(out, "%s schema is up to date\n", cfg.Storage.Driver)
	return nil
}

type quoteOutput struct {
	Service       string `json:"service"`
	TravelFee     int    `json:"travel_fee"`
	SignatureFee  int    `json:"signature_fee"`
	AfterHoursFee int    `json:"after_hours_fee"`
	Total         int    `json:"total"`
	At            string `json:"at"`
}

// runQuote prices an utterance at the given time.
func runQuote(out io.Writer, utterance, at, timezone string, asJSON bool) error {
	loc := time.Local
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
		loc = l
	}
	now := time.Now().In(loc)
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		now = t
		if timezone != "" {
			now = t.In(loc)
		}
	}

	service, q := pricing.Quote(utterance, now)
	result := quoteOutput{
		Service:       string(service),
		TravelFee:     q.TravelFee,
		SignatureFee:  q.SignatureFee,
		AfterHoursFee: q.AfterHoursFee,
		Total:         q.Total,
		At:            now.Format(time.RFC3339),
	}
	if asJSON {
		return writeJSON(out, result)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Service:\t%s\n", service.Label())
	fmt.Fprintf(w, "Travel fee:\t$%d\n", q.TravelFee)
	fmt.Fprintf(w, "Signature fee:\t$%d\n", q.SignatureFee)
	if q.AfterHours() {
		fmt.Fprintf(w, "After-hours fee:\t$%d\n", q.AfterHoursFee)
	}
	fmt.Fprintf(w, "Total:\t$%d\n", q.Total)
	return w.Flush()
}

// runParse prints the booking details found in an utterance.
func runParse(out io.Writer, utterance string, asJSON bool) error {
	details := booking.Parse(utterance)
	if asJSON {
		return writeJSON(out, details)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", details.Name)
	fmt.Fprintf(w, "Address:\t%s\n", orNone(details.Address))
	fmt.Fprintf(w, "Time:\t%s\n", orNone(details.RequestedTimeRaw))
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
