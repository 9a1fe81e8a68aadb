package voice

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/notaryline/pkg/models"
)

// Webhook paths referenced by gathers and callbacks.
const (
	PathVoice           = "/voice"
	PathService         = "/handle-service"
	PathInput           = "/handle-input"
	PathBooking         = "/handle-booking"
	PathFollowUp        = "/handle-follow-up"
	PathRecordingStatus = "/recording-status"
	PathCallStatus      = "/call-status"
	PathAgentEvent      = "/elevenlabs-webhook"
)

// Fixed lines.
const (
	promptNoInput         = "I didn't catch that."
	promptConnectAgent    = "I didn't catch that. Let me connect you to an agent."
	promptBookingFallback = "I didn't get your booking information. Let me connect you to someone who can help."
	promptBookingRequest  = "To book your appointment, please say your name, your address, and what time you need the notary."
	promptBookingExample  = "Great! Please tell me your name, address, and when you'd like the notary to visit. For example, 'John Smith, 123 Main Street, tomorrow at 2pm'."
	promptGeneralHelp     = "I'm here to help with notary services. I can provide pricing information or schedule an appointment for you. What would you like assistance with today?"
	promptAnythingElse    = "Is there anything else I can help you with?"
	promptFollowUpChoice  = "Press or say 1 for yes, or 2 to end the call."
	promptGoodbye         = "Thank you for calling our notary service. Goodbye!"
	promptMoreHelp        = "What else can I help you with regarding our notary services?"
	promptClosing         = "Thank you for calling our notary service. We look forward to serving you. Goodbye!"
	promptAfterHoursNote  = " Please note that this includes a $25 after-hours service fee."
	promptWhichService    = "Please tell me what notary service you need today."
	promptHowCanIHelp     = "How can I help you today?"
)

// gatherPlan is a Gather with its spoken prompt and the line that follows it
// when the provider gives up waiting.
type gatherPlan struct {
	input     string
	action    string
	timeout   int
	numDigits int
	prompt    string
	fallback  string
}

func (g gatherPlan) build() *Gather {
	return (&Gather{
		Input:               g.input,
		Action:              g.action,
		Method:              "POST",
		Timeout:             g.timeout,
		NumDigits:           g.numDigits,
		ActionOnEmptyResult: true,
	}).Say(g.prompt)
}

func serviceGather(prompt string) gatherPlan {
	return gatherPlan{input: "speech", action: PathService, timeout: 3, prompt: prompt, fallback: promptConnectAgent}
}

func helpGather(prompt string) gatherPlan {
	return gatherPlan{input: "speech", action: PathInput, timeout: 5, prompt: prompt, fallback: promptConnectAgent}
}

func scriptedBookingGather() gatherPlan {
	return gatherPlan{input: "speech", action: PathBooking, timeout: 5, prompt: promptBookingRequest, fallback: promptBookingFallback}
}

func conversationalBookingGather() gatherPlan {
	return gatherPlan{input: "speech", action: PathBooking, timeout: 10, prompt: promptBookingExample, fallback: promptBookingFallback}
}

func followUpGather() gatherPlan {
	return gatherPlan{input: "dtmf speech", action: PathFollowUp, timeout: 3, numDigits: 1, prompt: promptFollowUpChoice, fallback: promptGoodbye}
}

// Greeting returns the salutation for a local hour.
func Greeting(hour int) string {
	switch {
	case hour < 12:
		return "Good morning"
	case hour < 18:
		return "Good afternoon"
	default:
		return "Good evening"
	}
}

func scriptedWelcome(hour int) string {
	return Greeting(hour) + " Thank you for calling our notary service. Please tell me what notary service you need today."
}

func conversationalWelcome(hour int) string {
	return Greeting(hour) + ", thank you for calling our notary service. How can I help you today?"
}

// QuoteSummary recites a quote for the scripted flow.
func QuoteSummary(service models.ServiceType, q models.PricingQuote) string {
	note := ""
	if q.AfterHours() {
		note = promptAfterHoursNote
	}
	return fmt.Sprintf("I understand you need %s. Our travel fee is $%d plus $%d per signature. Estimated total is $%d.%s",
		service.Label(), q.TravelFee, q.SignatureFee, q.Total, note)
}

func conversationalQuote(service models.ServiceType, q models.PricingQuote) string {
	return fmt.Sprintf("I understand you need %s. Our travel fee is $%d plus $%d per signature. The estimated total is $%d. Would you like to schedule an appointment?",
		service.Label(), q.TravelFee, q.SignatureFee, q.Total)
}

// BookingConfirmation confirms a captured booking. The SMS line is only
// promised when a message will be sent.
func BookingConfirmation(d models.BookingDetails, smsExpected bool) string {
	var b strings.Builder
	b.WriteString("Thanks ")
	b.WriteString(d.Name)
	b.WriteString("! I've scheduled your notary appointment")
	if d.Address != "" {
		b.WriteString(" at ")
		b.WriteString(d.Address)
	}
	b.WriteString(".")
	if smsExpected {
		b.WriteString(" You'll receive a confirmation message shortly with all the details.")
	}
	return b.String()
}

// ConfirmationSMS is the text message sent after a booking.
func ConfirmationSMS(d models.BookingDetails) string {
	return fmt.Sprintf("Hello %s, your notary appointment has been scheduled. A notary will arrive at %s. Reply to this message if you need to make any changes.",
		d.Name, d.Address)
}

var (
	followUpAffirmative = map[string]bool{"1": true, "one": true, "yes": true}
	pricingKeywords     = []string{"pricing", "quote", "cost", "how much", "price", "jail", "hospital", "travel"}
	bookingKeywords     = []string{"book", "schedule", "appointment", "reservation", "yes"}
)

// IsAffirmative reports whether follow-up input asks for more help. Case and
// trailing punctuation from speech recognition are ignored.
func IsAffirmative(input string) bool {
	return followUpAffirmative[normalizeToken(input)]
}

func normalizeToken(input string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(input)), ".,!?;: ")
}

func containsAny(text string, words []string) bool {
	text = strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
