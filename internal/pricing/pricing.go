// Package pricing computes travel and signature fees for a notary service
// request spoken by a caller.
package pricing

import (
	"strings"
	"time"

	"github.com/haasonsaas/notaryline/pkg/models"
)

const (
	// SignatureFee is charged per signature on top of the travel fee.
	SignatureFee = 15
	// AfterHoursFee is added outside business hours and on weekends.
	AfterHoursFee = 25

	businessOpenHour  = 9
	businessCloseHour = 17
)

type rule struct {
	service   models.ServiceType
	travelFee int
	keywords  []string
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{service: models.ServiceJail, travelFee: 200, keywords: []string{"jail", "detention"}},
	{service: models.ServiceHospital, travelFee: 100, keywords: []string{"hospital", "medical"}},
	{service: models.ServiceTravel, travelFee: 40, keywords: []string{"outside", "out of town", "travel"}},
}

const standardTravelFee = 35

// Classify returns the service category and its travel fee for the utterance.
func Classify(utterance string) (models.ServiceType, int) {
	lower := strings.ToLower(utterance)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.service, r.travelFee
			}
		}
	}
	return models.ServiceStandard, standardTravelFee
}

// IsAfterHours reports whether now falls outside 09:00-17:00 or on a weekend.
// The hour and weekday are taken in now's location.
func IsAfterHours(now time.Time) bool {
	hour := now.Hour()
	if hour < businessOpenHour || hour >= businessCloseHour {
		return true
	}
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return false
}

// Quote prices the request. It is deterministic for a given (utterance, now).
func Quote(utterance string, now time.Time) (models.ServiceType, models.PricingQuote) {
	service, travelFee := Classify(utterance)
	q := models.PricingQuote{
		TravelFee:    travelFee,
		SignatureFee: SignatureFee,
	}
	if IsAfterHours(now) {
		q.AfterHoursFee = AfterHoursFee
	}
	q.Total = q.TravelFee + q.SignatureFee + q.AfterHoursFee
	return service, q
}
