package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

func validate(cfg *Config) error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("server.public_url must be an absolute URL")
		}
	}
	if cfg.Server.VerifySignatures && cfg.Server.PublicURL == "" {
		add("server.public_url is required when server.verify_signatures is set")
	}

	switch cfg.Business.Flow {
	case FlowScripted, FlowConversational:
	default:
		add("business.flow must be %q or %q", FlowScripted, FlowConversational)
	}
	if cfg.Business.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Business.Timezone); err != nil {
			add("business.timezone: %v", err)
		}
	}
	if cfg.Business.GatewayTimeout < 0 {
		add("business.gateway_timeout must not be negative")
	}

	if cfg.Sessions.TTL < 0 || cfg.Sessions.SweepInterval < 0 || cfg.Sessions.LockTimeout < 0 {
		add("sessions durations must not be negative")
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", cfg.Storage.Driver)
		}
	default:
		add("storage.driver must be one of memory, postgres, sqlite")
	}

	if cfg.TTS.Provider != "elevenlabs" {
		add("tts.provider %q is not supported", cfg.TTS.Provider)
	}
	if cfg.TTS.Stability < 0 || cfg.TTS.Stability > 1 {
		add("tts.stability must be between 0 and 1")
	}
	if cfg.TTS.SimilarityBoost < 0 || cfg.TTS.SimilarityBoost > 1 {
		add("tts.similarity_boost must be between 0 and 1")
	}

	if cfg.Reconcile.MaxAttempts < 0 {
		add("reconcile.max_attempts must not be negative")
	}
	if cfg.Replay.MaxSize < 0 {
		add("replay.max_size must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}

	tracing := cfg.Observability.Tracing
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}
	if tracing.Enabled && tracing.Endpoint == "" {
		add("observability.tracing.endpoint is required when tracing is enabled")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
