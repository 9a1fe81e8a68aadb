// Package server exposes the voice engine as Twilio webhooks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/notaryline/internal/cache"
	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/tts"
	"github.com/haasonsaas/notaryline/internal/voice"
)

// Banner is the body of GET /.
const Banner = "Notary Voice Agent is running. Point your Twilio webhook to /voice"

// Config wires a Server.
type Config struct {
	Engine  *voice.Engine
	Replay  *cache.ReplayCache
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// AudioDir is served under /audio/ when set.
	AudioDir string

	// PublicURL is the base URL Twilio signs requests against. When empty
	// the URL is rebuilt from the request.
	PublicURL        string
	AuthToken        string
	VerifySignatures bool

	ReadHeaderTimeout time.Duration
	Now               func() time.Time
}

// Server is the webhook HTTP surface.
type Server struct {
	engine  *voice.Engine
	replay  *cache.ReplayCache
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	publicURL string
	authToken string
	verify    bool
	timeout   time.Duration
	now       func() time.Time

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
}

// New builds the routes.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.VerifySignatures && cfg.AuthToken == "" {
		return nil, errors.New("server: signature verification needs an auth token")
	}
	s := &Server{
		engine:    cfg.Engine,
		replay:    cfg.Replay,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		authToken: cfg.AuthToken,
		verify:    cfg.VerifySignatures,
		timeout:   cfg.ReadHeaderTimeout,
		now:       cfg.Now,
		mux:       http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if cfg.AudioDir != "" {
		s.mux.Handle("GET /audio/", tts.Handler(cfg.AudioDir))
	}
	s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return requestIDMiddleware(s.mux)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.timeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	s.logger.Info(ctx, "starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight webhooks.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner)) //nolint:errcheck
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
