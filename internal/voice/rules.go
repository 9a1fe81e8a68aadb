package voice

import (
	"strings"

	"github.com/haasonsaas/notaryline/pkg/models"
)

// EventKind is the action implied by the tail of a transcript.
type EventKind int

const (
	EventNone EventKind = iota
	EventQuote
	EventBooking
)

func (k EventKind) String() string {
	switch k {
	case EventQuote:
		return "quote"
	case EventBooking:
		return "booking"
	default:
		return "none"
	}
}

// DerivedEvent is the result of DeriveEvent. Utterance is the caller text to
// price or parse.
type DerivedEvent struct {
	Kind      EventKind
	Utterance string
}

const (
	quotePhrase   = "estimated total"
	bookingPhrase = "scheduled your notary appointment"
)

// DeriveEvent inspects the newest transcript entry. When an agent line
// recites a total, the entry before it is the service request to price. When
// an agent line confirms a booking and the caller has spoken more than once,
// the caller's last line holds the booking details.
func DeriveEvent(entries []models.TranscriptEntry) DerivedEvent {
	if len(entries) == 0 {
		return DerivedEvent{}
	}
	last := entries[len(entries)-1]
	if last.Role != models.RoleAgent {
		return DerivedEvent{}
	}
	text := strings.ToLower(last.Text)

	switch {
	case strings.Contains(text, quotePhrase):
		if len(entries) < 2 {
			return DerivedEvent{}
		}
		return DerivedEvent{Kind: EventQuote, Utterance: entries[len(entries)-2].Text}
	case strings.Contains(text, bookingPhrase):
		var callerLines []string
		for _, e := range entries {
			if e.Role == models.RoleCaller {
				callerLines = append(callerLines, e.Text)
			}
		}
		if len(callerLines) <= 1 {
			return DerivedEvent{}
		}
		return DerivedEvent{Kind: EventBooking, Utterance: callerLines[len(callerLines)-1]}
	}
	return DerivedEvent{}
}
