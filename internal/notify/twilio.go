package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/notaryline/internal/retry"
)

const maxResponseBytes = 1 << 20

// TwilioConfig holds configuration for the Twilio Messages API.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is the sending phone number.
	From string
	// BaseURL defaults to https://api.twilio.com/2010-04-01.
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// TwilioSender sends SMS through the Twilio REST API.
//
// Thread Safety:
// TwilioSender is safe for concurrent use.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

// NewTwilioSender creates a sender. Account SID, auth token and sender number
// are required.
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	if cfg.From == "" {
		return nil, errors.New("twilio: sender number is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.twilio.com/2010-04-01"
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &TwilioSender{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    fmt.Sprintf("%s/Accounts/%s", base, cfg.AccountSID),
		client:     client,
	}, nil
}

// APIError is an error response from Twilio.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio API error (%d): %s", e.StatusCode, e.Message)
}

// SendSMS sends body to the given number. Client errors other than 429 are
// permanent.
func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", retry.Permanent(errors.New("twilio: destination number is required"))
	}
	params := url.Values{
		"To":   {to},
		"From": {s.from},
		"Body": {body},
	}

	resp, err := s.apiRequest(ctx, "/Messages.json", params)
	if err != nil {
		return "", err
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("twilio: failed to parse response: %w", err)
	}
	return result.SID, nil
}

func (s *TwilioSender) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("twilio: response too large (%d bytes)", len(body))
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.StatusCode = resp.StatusCode
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(apiErr)
		}
		return nil, apiErr
	}
	return body, nil
}
