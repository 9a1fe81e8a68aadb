// Package models defines the core data types for notaryline.
package models

import (
	"time"
)

// UnknownCaller is recorded when the provider does not supply a caller number.
const UnknownCaller = "Unknown"

// Stage is the position of a call session in the IVR conversation.
// Stages are ordered; a session only ever moves to a higher stage.
type Stage int

const (
	StageStart Stage = iota
	StageAwaitingServiceRequest
	StageAwaitingBooking
	StageAwaitingFollowUp
	StageEnded
)

// String returns the stage name used in logs and metric labels.
func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageAwaitingServiceRequest:
		return "awaiting_service_request"
	case StageAwaitingBooking:
		return "awaiting_booking"
	case StageAwaitingFollowUp:
		return "awaiting_follow_up"
	case StageEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageEnded
}

// ServiceType is the notarization category derived from the caller's request.
type ServiceType string

const (
	ServiceStandard ServiceType = "standard"
	ServiceTravel   ServiceType = "travel"
	ServiceHospital ServiceType = "hospital"
	ServiceJail     ServiceType = "jail"
)

// Label returns the spoken form, e.g. "hospital notarization".
func (t ServiceType) Label() string {
	if t == "" {
		return string(ServiceStandard) + " notarization"
	}
	return string(t) + " notarization"
}

// PricingQuote is the fee breakdown for a service request.
type PricingQuote struct {
	TravelFee     int `json:"travel_fee"`
	SignatureFee  int `json:"signature_fee"`
	AfterHoursFee int `json:"after_hours_fee"`
	Total         int `json:"total"`
}

// AfterHours reports whether the surcharge was applied.
func (q PricingQuote) AfterHours() bool {
	return q.AfterHoursFee > 0
}

// BookingDetails is the best-effort extraction of a booking utterance.
type BookingDetails struct {
	Name             string `json:"name"`
	Address          string `json:"address"`
	RequestedTimeRaw string `json:"requested_time_raw"`
}

// CallSession is the in-memory state tracked for the lifetime of one call.
type CallSession struct {
	CallID       string      `json:"call_id"`
	CallerNumber string      `json:"caller_number"`
	Stage        Stage       `json:"stage"`
	ServiceType  ServiceType `json:"service_type,omitempty"`

	Quote   *PricingQuote   `json:"quote,omitempty"`
	Booking *BookingDetails `json:"booking,omitempty"`

	PersistedClientID  string `json:"persisted_client_id,omitempty"`
	PersistedSessionID string `json:"persisted_session_id,omitempty"`

	Transcript Transcript `json:"transcript"`

	// Failures holds gateway errors awaiting reconciliation.
	Failures []GatewayFailure `json:"failures,omitempty"`

	// Reprompts counts consecutive empty inputs at the current stage.
	Reprompts int `json:"reprompts"`

	// Turns counts webhooks handled for this call.
	Turns int `json:"turns"`

	// Bookings counts bookings captured on this call, across restarts.
	Bookings int `json:"bookings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCallSession creates a session in the Start stage.
func NewCallSession(callID, callerNumber string, now time.Time) *CallSession {
	if callerNumber == "" {
		callerNumber = UnknownCaller
	}
	return &CallSession{
		CallID:       callID,
		CallerNumber: callerNumber,
		Stage:        StageStart,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Advance moves the session forward to target. It never moves backwards and
// reports whether the stage changed.
func (s *CallSession) Advance(target Stage) bool {
	if target <= s.Stage {
		return false
	}
	s.Stage = target
	return true
}

// Restart puts the session back at Start and clears the quote and booking
// of the previous run. The transcript and Bookings are kept.
func (s *CallSession) Restart() {
	s.Stage = StageStart
	s.Reprompts = 0
	s.ServiceType = ""
	s.Quote = nil
	s.Booking = nil
	s.PersistedClientID = ""
	s.PersistedSessionID = ""
}

// HasCallerNumber reports whether an SMS can be addressed to the caller.
func (s *CallSession) HasCallerNumber() bool {
	switch s.CallerNumber {
	case "", UnknownCaller, "unknown", "anonymous", "Anonymous":
		return false
	}
	return true
}

// Clone returns a deep copy safe to hand out of the session store.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.Quote != nil {
		q := *s.Quote
		out.Quote = &q
	}
	if s.Booking != nil {
		b := *s.Booking
		out.Booking = &b
	}
	out.Transcript = s.Transcript.clone()
	if s.Failures != nil {
		out.Failures = append([]GatewayFailure(nil), s.Failures...)
	}
	return &out
}
