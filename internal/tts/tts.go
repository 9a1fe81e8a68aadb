// Package tts synthesizes prompts with ElevenLabs and serves the cached audio
// to the telephony provider.
package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/notaryline/internal/retry"
)

// ErrDisabled is returned when synthesis is not configured.
var ErrDisabled = errors.New("tts: not enabled")

// Synthesizer turns text into a URL the provider can <Play>.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Config configures ElevenLabs synthesis.
type Config struct {
	Enabled bool
	APIKey  string
	// BaseURL defaults to https://api.elevenlabs.io/v1.
	BaseURL         string
	VoiceID         string
	ModelID         string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Timeout         time.Duration
	// AudioDir holds cached audio files.
	AudioDir string
	// PublicURL is the externally reachable base for /audio/.
	PublicURL string
	Client    *http.Client
}

// New returns an ElevenLabs synthesizer, or Disabled when synthesis is off or
// the API key is missing.
func New(cfg Config) (Synthesizer, error) {
	if !cfg.Enabled || cfg.APIKey == "" {
		return Disabled{}, nil
	}
	return NewElevenLabs(cfg)
}

// Enabled reports whether s produces audio.
func Enabled(s Synthesizer) bool {
	if s == nil {
		return false
	}
	_, disabled := s.(Disabled)
	return !disabled
}

// Disabled never synthesizes.
type Disabled struct{}

func (Disabled) Synthesize(context.Context, string) (string, error) {
	return "", retry.Permanent(ErrDisabled)
}

// ElevenLabs calls the ElevenLabs text-to-speech API and caches the result on
// disk keyed by voice and text.
type ElevenLabs struct {
	cfg    Config
	client *http.Client
	// inflight serializes synthesis of the same file.
	inflight sync.Map
}

// NewElevenLabs creates the synthesizer and its audio directory.
func NewElevenLabs(cfg Config) (*ElevenLabs, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("tts: ElevenLabs API key not configured")
	}
	if cfg.VoiceID == "" {
		return nil, errors.New("tts: ElevenLabs voice id not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_monolingual_v1"
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = filepath.Join(os.TempDir(), "notaryline-audio")
	}
	if err := os.MkdirAll(cfg.AudioDir, 0o755); err != nil {
		return nil, fmt.Errorf("tts: create audio dir: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabs{cfg: cfg, client: client}, nil
}

// FileName returns the cache file name for text.
func (e *ElevenLabs) FileName(text string) string {
	sum := sha256.Sum256([]byte(e.cfg.VoiceID + "|" + text))
	return hex.EncodeToString(sum[:]) + "." + e.extension()
}

func (e *ElevenLabs) extension() string {
	if strings.HasPrefix(e.cfg.OutputFormat, "pcm_") {
		return "pcm"
	}
	return "mp3"
}

// Synthesize returns the public URL of the audio for text, calling the API
// only when the file is not cached.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", retry.Permanent(errors.New("tts: text is empty"))
	}
	name := e.FileName(text)
	path := filepath.Join(e.cfg.AudioDir, name)

	mu, _ := e.inflight.LoadOrStore(name, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		return e.audioURL(name), nil
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	if err := e.fetch(ctx, text, path); err != nil {
		return "", err
	}
	return e.audioURL(name), nil
}

func (e *ElevenLabs) audioURL(name string) string {
	return e.cfg.PublicURL + "/audio/" + name
}

func (e *ElevenLabs) fetch(ctx context.Context, text, path string) error {
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": e.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        e.cfg.Stability,
			"similarity_boost": e.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return fmt.Errorf("tts: failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s", e.cfg.BaseURL, e.cfg.VoiceID)
	if e.cfg.OutputFormat != "" {
		endpoint += "?output_format=" + e.cfg.OutputFormat
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("tts: failed to create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("tts: ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		err := fmt.Errorf("tts: ElevenLabs returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}

	tmp := filepath.Join(e.cfg.AudioDir, ".tmp-"+uuid.NewString())
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("tts: failed to create output file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("tts: failed to write audio: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("tts: failed to write audio: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("tts: failed to store audio: %w", err)
	}
	return nil
}

var audioName = regexp.MustCompile(`^[0-9a-f]{64}\.(mp3|pcm)$`)

// Handler serves cached audio from dir under /audio/.
func Handler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.StripPrefix("/audio/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !audioName.MatchString(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".mp3") {
			w.Header().Set("Content-Type", "audio/mpeg")
		}
		files.ServeHTTP(w, r)
	}))
}
