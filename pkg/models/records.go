package models

import (
	"errors"
	"fmt"
	"time"
)

// Gateway names used in failures, logs and metrics.
const (
	GatewayPersistence  = "persistence"
	GatewayNotification = "notification"
	GatewaySpeech       = "speech"
)

// SessionRecord is a booking written to the backing store.
type SessionRecord struct {
	ClientID    string
	CallID      string
	ServiceType ServiceType
	TimeHint    string
	Notes       string
	SessionDate time.Time
}

// RecordingRecord attaches a call recording to a booked session.
// SessionID may be empty, in which case the store resolves it by CallID.
type RecordingRecord struct {
	CallID     string
	SessionID  string
	URL        string
	Transcript string
	RecordedAt time.Time
}

// DocumentName returns the document title for the recording.
func (r RecordingRecord) DocumentName() string {
	return "Call Recording " + r.RecordedAt.Format("2006-01-02 15:04")
}

// GatewayFailure is a failed or timed-out call to an external system.
// It is call-scoped: the conversation continues and the failure is kept on
// the session for reconciliation.
type GatewayFailure struct {
	Gateway   string    `json:"gateway"`
	Operation string    `json:"operation"`
	Err       error     `json:"-"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// NewGatewayFailure wraps err. It returns nil when err is nil and leaves an
// existing GatewayFailure untouched.
func NewGatewayFailure(gateway, operation string, err error, at time.Time) error {
	if err == nil {
		return nil
	}
	var existing *GatewayFailure
	if errors.As(err, &existing) {
		return err
	}
	return &GatewayFailure{
		Gateway:   gateway,
		Operation: operation,
		Err:       err,
		Message:   err.Error(),
		At:        at,
	}
}

func (f *GatewayFailure) Error() string {
	return fmt.Sprintf("%s %s: %s", f.Gateway, f.Operation, f.Message)
}

func (f *GatewayFailure) Unwrap() error {
	return f.Err
}
