package voice

import (
	"encoding/xml"
	"fmt"
)

// ContentType is the media type of rendered TwiML.
const ContentType = "text/xml; charset=utf-8"

// Response is a TwiML document. Verbs run in order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

// Say speaks text with the provider's built-in voice.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

// Play streams a synthesized audio file. Text is the line it speaks.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
	Text    string   `xml:"-"`
}

// Gather collects speech or digits and posts them to Action.
type Gather struct {
	XMLName             xml.Name `xml:"Gather"`
	Input               string   `xml:"input,attr,omitempty"`
	Action              string   `xml:"action,attr,omitempty"`
	Method              string   `xml:"method,attr,omitempty"`
	Timeout             int      `xml:"timeout,attr,omitempty"`
	NumDigits           int      `xml:"numDigits,attr,omitempty"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr,omitempty"`
	Verbs               []any    `xml:",any"`
}

// Record records the call. Timeout 0 disables the silence timeout.
type Record struct {
	XMLName                 xml.Name `xml:"Record"`
	Timeout                 int      `xml:"timeout,attr"`
	Transcribe              bool     `xml:"transcribe,attr"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// NewResponse returns an empty document.
func NewResponse() *Response {
	return &Response{}
}

// Say appends a spoken line.
func (r *Response) Say(text string) *Response {
	r.Verbs = append(r.Verbs, &Say{Text: text})
	return r
}

// Gather appends g.
func (r *Response) Gather(g *Gather) *Response {
	r.Verbs = append(r.Verbs, g)
	return r
}

// Record appends a recording request.
func (r *Response) Record(callback string) *Response {
	r.Verbs = append(r.Verbs, &Record{Transcribe: true, RecordingStatusCallback: callback})
	return r
}

// Hangup appends a hangup.
func (r *Response) Hangup() *Response {
	r.Verbs = append(r.Verbs, &Hangup{})
	return r
}

// Say appends a prompt spoken while gathering.
func (g *Gather) Say(text string) *Gather {
	g.Verbs = append(g.Verbs, &Say{Text: text})
	return g
}

// Marshal renders the document with an XML header.
func (r *Response) Marshal() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Spoken returns every line the caller may hear, in order.
func (r *Response) Spoken() []string {
	return spoken(nil, r.Verbs)
}

func spoken(out []string, verbs []any) []string {
	for _, verb := range verbs {
		switch v := verb.(type) {
		case *Say:
			out = append(out, v.Text)
		case *Play:
			out = append(out, v.Text)
		case *Gather:
			out = spoken(out, v.Verbs)
		}
	}
	return out
}

// FirstGather returns the first Gather or nil.
func (r *Response) FirstGather() *Gather {
	for _, verb := range r.Verbs {
		if g, ok := verb.(*Gather); ok {
			return g
		}
	}
	return nil
}

// Heard returns the lines the caller hears before the call moves on. A
// Gather hands the call to its action, so verbs after it are not played.
func (r *Response) Heard() []string {
	var out []string
	for _, verb := range r.Verbs {
		switch v := verb.(type) {
		case *Say:
			out = append(out, v.Text)
		case *Play:
			out = append(out, v.Text)
		case *Gather:
			return spoken(out, v.Verbs)
		case *Hangup:
			return out
		}
	}
	return out
}

// Next returns the Gather that takes over the call, or nil when the call
// hangs up first.
func (r *Response) Next() *Gather {
	for _, verb := range r.Verbs {
		switch v := verb.(type) {
		case *Gather:
			return v
		case *Hangup:
			return nil
		}
	}
	return nil
}

// HangsUp reports whether the document reaches a Hangup before any Gather.
func (r *Response) HangsUp() bool {
	for _, verb := range r.Verbs {
		switch verb.(type) {
		case *Gather:
			return false
		case *Hangup:
			return true
		}
	}
	return false
}

// Records reports whether the document starts a recording.
func (r *Response) Records() bool {
	for _, verb := range r.Verbs {
		if _, ok := verb.(*Record); ok {
			return true
		}
	}
	return false
}

// replaceSay swaps each Say, including those nested in a Gather, with the
// verb fn returns.
func (r *Response) replaceSay(fn func(*Say) any) {
	walkSay(r.Verbs, fn)
}

func walkSay(verbs []any, fn func(*Say) any) {
	for i, verb := range verbs {
		switch v := verb.(type) {
		case *Say:
			verbs[i] = fn(v)
		case *Gather:
			walkSay(v.Verbs, fn)
		}
	}
}
