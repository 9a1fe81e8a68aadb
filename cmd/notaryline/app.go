package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/notaryline/internal/cache"
	"github.com/haasonsaas/notaryline/internal/config"
	"github.com/haasonsaas/notaryline/internal/notify"
	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/reconcile"
	"github.com/haasonsaas/notaryline/internal/server"
	"github.com/haasonsaas/notaryline/internal/sessions"
	"github.com/haasonsaas/notaryline/internal/storage"
	"github.com/haasonsaas/notaryline/internal/tts"
	"github.com/haasonsaas/notaryline/internal/voice"
)

// app holds the wired components of one process.
type app struct {
	cfg        *config.Config
	logger     *observability.Logger
	metrics    *observability.Metrics
	store      storage.Backend
	sessions   *sessions.MemoryStore
	reconciler *reconcile.Reconciler
	engine     *voice.Engine
	server     *server.Server
}

type appOptions struct {
	logger   *observability.Logger
	tracer   *observability.Tracer
	registry prometheus.Registerer
	gatherer prometheus.Gatherer
	// sms overrides the configured sender.
	sms notify.Sender
	now func() time.Time
}

func newLogger(cfg *config.Config, out io.Writer) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}

func newTracer(cfg *config.Config) (*observability.Tracer, func(context.Context) error) {
	tc := cfg.Observability.Tracing
	traceCfg := observability.TraceConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: tc.ServiceVersion,
		Environment:    tc.Environment,
		SamplingRate:   tc.SamplingRate,
		Attributes:     tc.Attributes,
		EnableInsecure: tc.Insecure,
	}
	if traceCfg.ServiceVersion == "" {
		traceCfg.ServiceVersion = version
	}
	if tc.Enabled {
		traceCfg.Endpoint = tc.Endpoint
	}
	return observability.NewTracer(traceCfg)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	store, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		AgentID:         cfg.Business.AgentID,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		ConnectTimeout:  cfg.Storage.ConnectTimeout,
		QueryTimeout:    cfg.Storage.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

// newApp wires storage, gateways, the session store, the engine and the
// HTTP server from cfg.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger := opts.logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	metrics := observability.NewMetrics(opts.registry)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate storage: %w", err)
		}
	}

	sms := opts.sms
	if sms == nil {
		sms = notify.New(notify.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.PhoneNumber,
			BaseURL:    cfg.Twilio.APIBaseURL,
			Timeout:    cfg.Twilio.SMSTimeout,
		}, cfg.Twilio.SMSRateLimit)
	}
	if !notify.Enabled(sms) {
		logger.Warn(ctx, "twilio credentials not configured, confirmation sms disabled")
	}

	speech, err := tts.New(tts.Config{
		Enabled:         cfg.TTS.Enabled,
		APIKey:          cfg.TTS.APIKey,
		BaseURL:         cfg.TTS.BaseURL,
		VoiceID:         cfg.TTS.VoiceID,
		ModelID:         cfg.TTS.ModelID,
		OutputFormat:    cfg.TTS.OutputFormat,
		Stability:       cfg.TTS.Stability,
		SimilarityBoost: cfg.TTS.SimilarityBoost,
		Timeout:         cfg.TTS.Timeout,
		AudioDir:        cfg.TTS.AudioDir,
		PublicURL:       cfg.Server.PublicURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.TTS.Enabled && !tts.Enabled(speech) {
		logger.Warn(ctx, "elevenlabs api key not configured, using built-in voice")
	}

	var reconciler *reconcile.Reconciler
	if cfg.Reconcile.Enabled {
		reconciler, err = reconcile.New(reconcile.Config{
			Schedule:    cfg.Reconcile.Schedule,
			MaxAttempts: cfg.Reconcile.MaxAttempts,
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("reconcile: %w", err)
		}
	}

	live := sessions.NewMemoryStore(sessions.Options{
		TTL:           cfg.Sessions.TTL,
		SweepInterval: cfg.Sessions.SweepInterval,
		LockTimeout:   cfg.Sessions.LockTimeout,
	})

	engine, err := voice.NewEngine(voice.Config{
		Sessions:       live,
		Store:          store,
		SMS:            sms,
		Speech:         speech,
		Reconciler:     reconciler,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         opts.tracer,
		Flow:           cfg.Business.Flow,
		Location:       cfg.Location(),
		SessionLead:    cfg.Business.SessionLead,
		GatewayTimeout: cfg.Business.GatewayTimeout,
		Retry:          cfg.Retry,
		Now:            opts.now,
	})
	if err != nil {
		_ = live.Close()
		_ = store.Close()
		return nil, err
	}
	live.SetEvictHandler(engine.HandleEviction)

	audioDir := ""
	if tts.Enabled(speech) {
		audioDir = cfg.TTS.AudioDir
	}
	srv, err := server.New(server.Config{
		Engine:            engine,
		Replay:            cache.NewReplayCache(cache.ReplayOptions{TTL: cfg.Replay.TTL, MaxSize: cfg.Replay.MaxSize}),
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            opts.tracer,
		Gatherer:          opts.gatherer,
		AudioDir:          audioDir,
		PublicURL:         cfg.Server.PublicURL,
		AuthToken:         cfg.Twilio.AuthToken,
		VerifySignatures:  cfg.Server.VerifySignatures,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	})
	if err != nil {
		_ = live.Close()
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		store:      store,
		sessions:   live,
		reconciler: reconciler,
		engine:     engine,
		server:     srv,
	}, nil
}

// flush ends every live call so its transcript is logged and saved.
func (a *app) flush() int {
	return a.sessions.Sweep(time.Now().Add(a.cfg.Sessions.TTL))
}

// Close flushes live calls, runs one last reconciliation pass and releases
// storage.
func (a *app) Close(ctx context.Context) error {
	flushed := a.flush()
	if flushed > 0 {
		a.logger.Info(ctx, "flushed live calls", "count", flushed)
	}
	if err := a.engine.Wait(ctx); err != nil {
		a.logger.Warn(ctx, "transcript saves still running", "error", err)
	}
	if a.reconciler.Pending() > 0 {
		a.reconciler.RunOnce(ctx)
	}
	_ = a.sessions.Close()
	return a.store.Close()
}
