package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/notaryline/internal/ratelimit"
	"github.com/haasonsaas/notaryline/internal/retry"
)

// Config is the main configuration structure for notaryline.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Business      BusinessConfig      `yaml:"business"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Storage       StorageConfig       `yaml:"storage"`
	Twilio        TwilioConfig        `yaml:"twilio"`
	TTS           TTSConfig           `yaml:"tts"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Replay        ReplayConfig        `yaml:"replay"`
	Retry         retry.Config        `yaml:"retry"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicURL is the externally visible base URL. It is used to sign
	// webhook requests and to build audio URLs.
	PublicURL         string        `yaml:"public_url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	VerifySignatures  bool          `yaml:"verify_signatures"`
}

// BusinessConfig controls conversation behavior.
type BusinessConfig struct {
	// Timezone is the IANA zone used for greetings and after-hours pricing.
	Timezone string `yaml:"timezone"`
	// AgentID owns every client and session row written by this service.
	AgentID string `yaml:"agent_id"`
	// Flow is "scripted" or "conversational".
	Flow string `yaml:"flow"`
	// SessionLead is added to the booking time to produce session_date.
	SessionLead time.Duration `yaml:"session_lead"`
	// GatewayTimeout bounds each persistence, SMS or speech call.
	GatewayTimeout time.Duration `yaml:"gateway_timeout"`
}

type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory", "postgres" or "sqlite".
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type TwilioConfig struct {
	AccountSID   string           `yaml:"account_sid"`
	AuthToken    string           `yaml:"auth_token"`
	PhoneNumber  string           `yaml:"phone_number"`
	APIBaseURL   string           `yaml:"api_base_url"`
	SMSTimeout   time.Duration    `yaml:"sms_timeout"`
	SMSRateLimit ratelimit.Config `yaml:"sms_rate_limit"`
}

// HasCredentials reports whether outbound SMS can be sent.
func (t TwilioConfig) HasCredentials() bool {
	return t.AccountSID != "" && t.AuthToken != ""
}

type TTSConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Provider        string        `yaml:"provider"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	VoiceID         string        `yaml:"voice_id"`
	ModelID         string        `yaml:"model_id"`
	OutputFormat    string        `yaml:"output_format"`
	Stability       float64       `yaml:"stability"`
	SimilarityBoost float64       `yaml:"similarity_boost"`
	Timeout         time.Duration `yaml:"timeout"`
	AudioDir        string        `yaml:"audio_dir"`
}

type ReconcileConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Schedule    string `yaml:"schedule"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type ReplayConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// Flow names.
const (
	FlowScripted       = "scripted"
	FlowConversational = "conversational"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultAgentID is the agent that owns rows when none is configured.
const DefaultAgentID = "00000000-0000-0000-0000-000000000001"

// DefaultPhoneNumber is the sender used when TWILIO_PHONE_NUMBER is unset.
const DefaultPhoneNumber = "+18005551212"

// Load reads, merges and validates the configuration at path. An empty path
// yields the defaults with environment fallbacks applied.
func Load(path string) (*Config, error) {
	var cfg *Config
	if strings.TrimSpace(path) == "" {
		cfg = &Config{}
	} else {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location returns the configured business timezone.
func (c *Config) Location() *time.Location {
	if c.Business.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Business.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyEnv fills secrets and deployment settings left empty in the file.
func applyEnv(cfg *Config, getenv func(string) string) {
	setIfEmpty := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(getenv(key))
		}
	}
	setIfEmpty(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setIfEmpty(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setIfEmpty(&cfg.Twilio.PhoneNumber, "TWILIO_PHONE_NUMBER")
	setIfEmpty(&cfg.TTS.APIKey, "ELEVENLABS_API_KEY")
	setIfEmpty(&cfg.TTS.VoiceID, "ELEVENLABS_VOICE_ID")
	setIfEmpty(&cfg.Storage.DSN, "DATABASE_URL")
	setIfEmpty(&cfg.Server.PublicURL, "PUBLIC_URL")

	if cfg.Server.Port == 0 {
		if port, err := strconv.Atoi(strings.TrimSpace(getenv("PORT"))); err == nil {
			cfg.Server.Port = port
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Business.AgentID == "" {
		cfg.Business.AgentID = DefaultAgentID
	}
	if cfg.Business.Flow == "" {
		cfg.Business.Flow = FlowScripted
	}
	cfg.Business.Flow = strings.ToLower(cfg.Business.Flow)
	if cfg.Business.SessionLead == 0 {
		cfg.Business.SessionLead = time.Hour
	}
	if cfg.Business.GatewayTimeout == 0 {
		cfg.Business.GatewayTimeout = 3 * time.Second
	}

	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 15 * time.Minute
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = time.Minute
	}
	if cfg.Sessions.LockTimeout == 0 {
		cfg.Sessions.LockTimeout = 5 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
		if cfg.Storage.DSN != "" {
			cfg.Storage.Driver = DriverPostgres
		}
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 10
	}
	if cfg.Storage.MaxIdleConns == 0 {
		cfg.Storage.MaxIdleConns = 5
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Storage.ConnectTimeout == 0 {
		cfg.Storage.ConnectTimeout = 10 * time.Second
	}
	if cfg.Storage.QueryTimeout == 0 {
		cfg.Storage.QueryTimeout = 2 * time.Second
	}

	if cfg.Twilio.PhoneNumber == "" {
		cfg.Twilio.PhoneNumber = DefaultPhoneNumber
	}
	if cfg.Twilio.APIBaseURL == "" {
		cfg.Twilio.APIBaseURL = "https://api.twilio.com/2010-04-01"
	}
	if cfg.Twilio.SMSTimeout == 0 {
		cfg.Twilio.SMSTimeout = 5 * time.Second
	}
	if cfg.Twilio.SMSRateLimit == (ratelimit.Config{}) {
		cfg.Twilio.SMSRateLimit = ratelimit.DefaultConfig()
	}

	if cfg.TTS.Provider == "" {
		cfg.TTS.Provider = "elevenlabs"
	}
	if cfg.TTS.BaseURL == "" {
		cfg.TTS.BaseURL = "https://api.elevenlabs.io/v1"
	}
	if cfg.TTS.VoiceID == "" {
		cfg.TTS.VoiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	if cfg.TTS.ModelID == "" {
		cfg.TTS.ModelID = "eleven_monolingual_v1"
	}
	if cfg.TTS.OutputFormat == "" {
		cfg.TTS.OutputFormat = "mp3_44100_128"
	}
	if cfg.TTS.Stability == 0 {
		cfg.TTS.Stability = 0.5
	}
	if cfg.TTS.SimilarityBoost == 0 {
		cfg.TTS.SimilarityBoost = 0.75
	}
	if cfg.TTS.Timeout == 0 {
		cfg.TTS.Timeout = 4 * time.Second
	}
	if cfg.TTS.AudioDir == "" {
		cfg.TTS.AudioDir = "static/audio"
	}

	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 1m"
	}
	if cfg.Reconcile.MaxAttempts == 0 {
		cfg.Reconcile.MaxAttempts = 5
	}

	if cfg.Replay.TTL == 0 {
		cfg.Replay.TTL = 2 * time.Minute
	}
	if cfg.Replay.MaxSize == 0 {
		cfg.Replay.MaxSize = 1024
	}

	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "notaryline"
	}
}
