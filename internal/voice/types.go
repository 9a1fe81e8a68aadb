// Package voice drives the notary IVR conversation from Twilio webhooks.
package voice

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/haasonsaas/notaryline/pkg/models"
)

// CallStatus is the Twilio CallStatus value.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
)

// IsTerminal returns true if the provider has finished the call.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// EndReason describes why a call ended.
type EndReason string

const (
	EndReasonCompleted  EndReason = "completed"
	EndReasonHangupUser EndReason = "hangup-user"
	EndReasonHangupBot  EndReason = "hangup-bot"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonFailed     EndReason = "failed"
	EndReasonNoAnswer   EndReason = "no-answer"
	EndReasonBusy       EndReason = "busy"
)

// EndReason maps a terminal status to the reason recorded for the call.
func (s CallStatus) EndReason() EndReason {
	switch s {
	case StatusBusy:
		return EndReasonBusy
	case StatusNoAnswer:
		return EndReasonNoAnswer
	case StatusFailed:
		return EndReasonFailed
	case StatusCanceled:
		return EndReasonHangupUser
	default:
		return EndReasonCompleted
	}
}

// CallForm is the form body of a Twilio voice webhook.
type CallForm struct {
	CallSid      string
	AccountSid   string
	From         string
	To           string
	Status       CallStatus
	SpeechResult string
	Digits       string
	Confidence   float64
}

// ParseCallForm reads a voice webhook. A missing CallSid gets a random id so
// the request still has a session, and a missing From becomes
// models.UnknownCaller.
func ParseCallForm(values url.Values) CallForm {
	form := CallForm{
		CallSid:      strings.TrimSpace(values.Get("CallSid")),
		AccountSid:   strings.TrimSpace(values.Get("AccountSid")),
		From:         strings.TrimSpace(values.Get("From")),
		To:           strings.TrimSpace(values.Get("To")),
		Status:       CallStatus(strings.ToLower(strings.TrimSpace(values.Get("CallStatus")))),
		SpeechResult: normalizeSpeech(values.Get("SpeechResult")),
		Digits:       strings.TrimSpace(values.Get("Digits")),
	}
	if form.CallSid == "" {
		form.CallSid = uuid.NewString()
	}
	if form.From == "" {
		form.From = models.UnknownCaller
	}
	if conf := values.Get("Confidence"); conf != "" {
		if v, err := strconv.ParseFloat(conf, 64); err == nil {
			form.Confidence = v
		}
	}
	return form
}

// Input returns the digits if any were pressed, else the speech.
func (f CallForm) Input() string {
	if f.Digits != "" {
		return f.Digits
	}
	return f.SpeechResult
}

func normalizeSpeech(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// RecordingForm is the body of a Twilio recording status callback.
type RecordingForm struct {
	CallSid           string
	AccountSid        string
	RecordingSid      string
	RecordingURL      string
	RecordingStatus   string
	RecordingDuration int
	TranscriptionText string
}

// ParseRecordingForm reads a recording status callback.
func ParseRecordingForm(values url.Values) RecordingForm {
	form := RecordingForm{
		CallSid:           strings.TrimSpace(values.Get("CallSid")),
		AccountSid:        strings.TrimSpace(values.Get("AccountSid")),
		RecordingSid:      strings.TrimSpace(values.Get("RecordingSid")),
		RecordingURL:      strings.TrimSpace(values.Get("RecordingUrl")),
		RecordingStatus:   strings.TrimSpace(values.Get("RecordingStatus")),
		TranscriptionText: normalizeSpeech(values.Get("TranscriptionText")),
	}
	if d, err := strconv.Atoi(values.Get("RecordingDuration")); err == nil {
		form.RecordingDuration = d
	}
	return form
}

// URL returns the recording URL, building the REST resource URL when the
// callback did not include one.
func (f RecordingForm) URL() string {
	if f.RecordingURL != "" {
		return f.RecordingURL
	}
	if f.AccountSid == "" || f.RecordingSid == "" {
		return ""
	}
	return "https://api.twilio.com/2010-04-01/Accounts/" + f.AccountSid + "/Recordings/" + f.RecordingSid
}

// AgentEvent is a transcript line pushed by the external conversational
// agent.
type AgentEvent struct {
	CallSid        string `json:"call_sid"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Text           string `json:"text"`
}

// CallID returns the call the event belongs to.
func (e AgentEvent) CallID() string {
	if e.CallSid != "" {
		return e.CallSid
	}
	return e.ConversationID
}

// TranscriptRole maps the agent's role name onto a transcript role.
func (e AgentEvent) TranscriptRole() (models.Role, bool) {
	switch strings.ToLower(strings.TrimSpace(e.Role)) {
	case "agent", "assistant":
		return models.RoleAgent, true
	case "user", "caller":
		return models.RoleCaller, true
	}
	return "", false
}

// Validate checks the event has a call, a known role and text.
func (e AgentEvent) Validate() error {
	var problems []string
	if e.CallID() == "" {
		problems = append(problems, "call_sid or conversation_id is required")
	}
	if _, ok := e.TranscriptRole(); !ok {
		problems = append(problems, "role must be agent or user")
	}
	if strings.TrimSpace(e.Text) == "" {
		problems = append(problems, "text is required")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
