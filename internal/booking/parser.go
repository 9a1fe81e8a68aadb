// Package booking extracts a caller's name, address and requested time from a
// single free-form booking utterance.
package booking

import (
	"strings"

	"github.com/haasonsaas/notaryline/pkg/models"
)

const timeMarker = " at "

// Parse splits utterance into name, address and time. It never fails; shapes
// it does not recognise produce a best-guess name and empty address or time.
//
// The name runs up to the first comma or the first " at ", whichever comes
// first. The address runs from there to the last " at ", with commas removed.
// The requested time is whatever follows the last " at ".
func Parse(utterance string) models.BookingDetails {
	n := len(utterance)

	nameEnd := min(positive(strings.Index(utterance, ","), n), positive(strings.Index(utterance, timeMarker), n))
	name := ""
	if nameEnd > 0 {
		name = strings.TrimSpace(utterance[:nameEnd])
	}
	if name == "" {
		name = models.UnknownCaller
	}

	timeStart := positive(strings.LastIndex(utterance, timeMarker), n)

	address := ""
	if start := nameEnd + 1; start < timeStart {
		address = strings.TrimSpace(strings.ReplaceAll(utterance[start:timeStart], ",", ""))
	}

	requested := ""
	if timeStart < n {
		requested = strings.TrimSpace(utterance[timeStart+len(timeMarker):])
	}

	return models.BookingDetails{
		Name:             name,
		Address:          address,
		RequestedTimeRaw: requested,
	}
}

// positive returns idx when it is past the first byte, otherwise fallback.
func positive(idx, fallback int) int {
	if idx > 0 {
		return idx
	}
	return fallback
}
