package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/notaryline/pkg/models"
)

// Tuesday 10:00 UTC, inside business hours.
func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "quote", "parse", "simulate"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestServeFlags(t *testing.T) {
	serve := buildServeCmd()
	for _, name := range []string{"config", "debug"} {
		if serve.Flags().Lookup(name) == nil {
			t.Fatalf("serve is missing --%s", name)
		}
	}
	if serve.Flags().ShorthandLookup("c") == nil || serve.Flags().ShorthandLookup("d") == nil {
		t.Fatal("serve should accept -c and -d")
	}
}

func TestRunQuote(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		at        string
		want      []string
	}{
		{"business hours", "I need a hospital notary", "2026-03-10T10:00:00Z", []string{"Travel fee:", "$100", "Total:", "$115"}},
		{"after hours", "jail visit", "2026-03-10T19:00:00Z", []string{"After-hours fee:", "$25", "$240"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runQuote(&out, tt.utterance, tt.at, "", false); err != nil {
				t.Fatalf("runQuote() error = %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out.String(), want) {
					t.Fatalf("output missing %q:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestRunQuoteJSON(t *testing.T) {
	var out bytes.Buffer
	if err := runQuote(&out, "out of town signing", "2026-03-14T12:00:00Z", "", true); err != nil {
		t.Fatalf("runQuote() error = %v", err)
	}
	var got quoteOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, out.String())
	}
	// Saturday carries the after-hours fee.
	if got.Service != "travel" || got.Total != 80 || got.AfterHoursFee != 25 {
		t.Fatalf("quote = %+v", got)
	}
}

func TestRunQuoteRejectsBadInput(t *testing.T) {
	var out bytes.Buffer
	if err := runQuote(&out, "x", "yesterday", "", false); err == nil {
		t.Fatal("expected error for invalid --at")
	}
	if err := runQuote(&out, "x", "", "Mars/Olympus", false); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestRunParse(t *testing.T) {
	var out bytes.Buffer
	if err := runParse(&out, "John Smith, 123 Main Street, tomorrow at 2pm", true); err != nil {
		t.Fatalf("runParse() error = %v", err)
	}
	var got models.BookingDetails
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Name != "John Smith" || got.Address != "123 Main Street tomorrow" || got.RequestedTimeRaw != "2pm" {
		t.Fatalf("details = %+v", got)
	}
}

func TestRunSimulateScriptedCall(t *testing.T) {
	script := strings.Join([]string{
		"I need a hospital notary",
		"Jane Doe, 5 Elm St, at 3pm",
		"2",
	}, "\n") + "\n"

	var out bytes.Buffer
	opts := simulateOptions{flow: "scripted", from: "+15555550100", timezone: "UTC", now: fixedNow}
	if err := runSimulate(context.Background(), strings.NewReader(script), &out, opts); err != nil {
		t.Fatalf("runSimulate() error = %v", err)
	}
	for _, want := range []string{
		"Good morning Thank you for calling our notary service.",
		"Estimated total is $115.",
		"You: I need a hospital notary",
		"I've scheduled your notary appointment at 5 Elm St.",
		"[sms to +15555550100] Hello Jane Doe, your notary appointment has been scheduled.",
		"We look forward to serving you.",
		"Saved client +15555550100: Jane Doe, 5 Elm St",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
	// Fallback lines after a Gather are never played.
	for _, unwanted := range []string{
		"Let me connect you to an agent.",
		"I didn't get your booking information.",
		"Thank you for calling our notary service. Goodbye!",
	} {
		if strings.Contains(out.String(), unwanted) {
			t.Fatalf("output contains fallback %q:\n%s", unwanted, out.String())
		}
	}
}

func TestRunSimulateFollowUpLoopsIntoHelp(t *testing.T) {
	script := strings.Join([]string{
		"I need a hospital notary",
		"Jane Doe, 5 Elm St, at 3pm",
		"1",
		"how much for a jail visit",
	}, "\n") + "\n"

	var out bytes.Buffer
	opts := simulateOptions{flow: "scripted", from: "+15555550100", timezone: "UTC", now: fixedNow}
	if err := runSimulate(context.Background(), strings.NewReader(script), &out, opts); err != nil {
		t.Fatalf("runSimulate() error = %v", err)
	}
	for _, want := range []string{
		"You: 1",
		"What else can I help you with regarding our notary services?",
		"You: how much for a jail visit",
		"The estimated total is $215.",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunSimulateHangupOnEOF(t *testing.T) {
	var out bytes.Buffer
	opts := simulateOptions{flow: "conversational", from: "+15555550100", timezone: "UTC", now: fixedNow}
	if err := runSimulate(context.Background(), strings.NewReader("how much for a jail visit\n"), &out, opts); err != nil {
		t.Fatalf("runSimulate() error = %v", err)
	}
	if !strings.Contains(out.String(), "The estimated total is $215.") {
		t.Fatalf("output:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Saved client") {
		t.Fatal("no booking should be saved")
	}
}

func TestRunMigrateSQLite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notaryline.yaml")
	dsn := "file:" + filepath.Join(dir, "notary.db")
	body := "storage:\n  driver: sqlite\n  dsn: \"" + dsn + "\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runMigrate(context.Background(), &out, path); err != nil {
		t.Fatalf("runMigrate() error = %v", err)
	}
	if !strings.Contains(out.String(), "sqlite schema is up to date") {
		t.Fatalf("output = %q", out.String())
	}
	// A second run is a no-op.
	if err := runMigrate(context.Background(), &out, path); err != nil {
		t.Fatalf("second runMigrate() error = %v", err)
	}
}

func TestRunMigrateRejectsMemory(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := filepath.Join(t.TempDir(), "notaryline.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runMigrate(context.Background(), &bytes.Buffer{}, path); err == nil {
		t.Fatal("expected error for memory driver")
	}
}
