package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who spoke a transcript entry.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

// Title returns the capitalized role used in rendered transcripts.
func (r Role) Title() string {
	switch r {
	case RoleCaller:
		return "Caller"
	case RoleAgent:
		return "Agent"
	default:
		return string(r)
	}
}

// TranscriptEntry is one utterance exchanged during a call.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is an append-only ordered log of utterances.
// Entries are never mutated or removed once appended.
type Transcript struct {
	entries []TranscriptEntry
}

// Append adds an utterance stamped with at.
func (t *Transcript) Append(role Role, text string, at time.Time) {
	t.entries = append(t.entries, TranscriptEntry{Role: role, Text: text, Timestamp: at})
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the log.
func (t *Transcript) Entries() []TranscriptEntry {
	return append([]TranscriptEntry(nil), t.entries...)
}

// Last returns the newest entry.
func (t *Transcript) Last() (TranscriptEntry, bool) {
	if len(t.entries) == 0 {
		return TranscriptEntry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Format renders the log as "Role: text" lines.
func (t *Transcript) Format() string {
	var b strings.Builder
	for i, entry := range t.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(entry.Role.Title())
		b.WriteString(": ")
		b.WriteString(entry.Text)
	}
	return b.String()
}

func (t Transcript) clone() Transcript {
	return Transcript{entries: t.Entries()}
}

// MarshalJSON encodes the transcript as a plain list of entries.
func (t Transcript) MarshalJSON() ([]byte, error) {
	entries := t.entries
	if entries == nil {
		entries = []TranscriptEntry{}
	}
	return json.Marshal(entries)
}
