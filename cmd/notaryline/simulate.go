package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/haasonsaas/notaryline/internal/config"
	"github.com/haasonsaas/notaryline/internal/storage"
	"github.com/haasonsaas/notaryline/internal/voice"
)

type simulateOptions struct {
	flow     string
	from     string
	timezone string
	lead     time.Duration
	now      func() time.Time
}

// printSender writes confirmation messages to the terminal instead of
// sending them.
type printSender struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printSender) SendSMS(_ context.Context, to, body string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[sms to %s] %s\n", to, body)
	return "SM" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}

// runSimulate plays one call, reading caller speech line by line from in.
func runSimulate(ctx context.Context, in io.Reader, out io.Writer, opts simulateOptions) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	cfg.Storage.Driver = config.DriverMemory
	cfg.Storage.DSN = ""
	cfg.TTS.Enabled = false
	cfg.Reconcile.Enabled = false
	cfg.Business.Flow = opts.flow
	cfg.Business.Timezone = opts.timezone
	cfg.Business.SessionLead = opts.lead
	cfg.Sessions.SweepInterval = 0

	a, err := newApp(ctx, cfg, appOptions{
		registry: prometheus.NewRegistry(),
		sms:      &printSender{out: out},
		now:      opts.now,
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	steps := map[string]func(context.Context, voice.CallForm) *voice.Response{
		voice.PathService:  a.engine.ServiceRequest,
		voice.PathInput:    a.engine.Converse,
		voice.PathBooking:  a.engine.Booking,
		voice.PathFollowUp: a.engine.FollowUp,
	}

	form := voice.CallForm{CallSid: "CA" + strings.ReplaceAll(uuid.NewString(), "-", ""), From: opts.from}
	fmt.Fprintf(out, "Call %s from %s\n", form.CallSid, form.From)

	resp := a.engine.Start(ctx, form)
	scanner := bufio.NewScanner(in)
	for {
		for _, line := range resp.Heard() {
			fmt.Fprintf(out, "Agent: %s\n", line)
		}
		gather := resp.Next()
		if gather == nil {
			break
		}
		step, ok := steps[gather.Action]
		if !ok {
			return fmt.Errorf("no handler for %s", gather.Action)
		}

		if interactive {
			fmt.Fprint(out, "You: ")
		}
		if !scanner.Scan() {
			// Input closed: the caller hung up.
			a.engine.CallStatus(ctx, voice.CallForm{CallSid: form.CallSid, Status: voice.StatusCompleted})
			break
		}
		form.SpeechResult = strings.TrimSpace(scanner.Text())
		if !interactive && form.SpeechResult != "" {
			fmt.Fprintf(out, "You: %s\n", form.SpeechResult)
		}
		resp = step(ctx, form)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	printBookings(out, a.store)
	return nil
}

func printBookings(out io.Writer, store storage.Backend) {
	mem, ok := store.(*storage.MemoryStore)
	if !ok {
		return
	}
	for _, client := range mem.Clients() {
		fmt.Fprintf(out, "Saved client %s: %s, %s\n", client.Phone, client.Name, orNone(client.Address))
	}
}
