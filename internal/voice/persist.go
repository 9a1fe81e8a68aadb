package voice

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/notaryline/internal/booking"
	"github.com/haasonsaas/notaryline/internal/notify"
	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/reconcile"
	"github.com/haasonsaas/notaryline/internal/storage"
	"github.com/haasonsaas/notaryline/pkg/models"
)

// bookingJob is a snapshot of a captured booking, taken under the call lock
// and persisted after it is released.
type bookingJob struct {
	callID  string
	caller  string
	details models.BookingDetails
	service models.ServiceType
	quote   *models.PricingQuote
	notify  bool
	at      time.Time
}

func (e *Engine) captureBooking(ctx context.Context, sess *models.CallSession, utterance string, now time.Time) *bookingJob {
	details := booking.Parse(utterance)
	sess.Booking = &details
	sess.Bookings++

	job := &bookingJob{
		callID:  sess.CallID,
		caller:  sess.CallerNumber,
		details: details,
		service: sess.ServiceType,
		notify:  sess.HasCallerNumber() && notify.Enabled(e.sms),
		at:      now,
	}
	if job.service == "" {
		job.service = models.ServiceStandard
	}
	if sess.Quote != nil {
		q := *sess.Quote
		job.quote = &q
	}
	e.logger.Info(ctx, "booking captured",
		"caller", observability.MaskPhone(sess.CallerNumber),
		"service_type", string(job.service),
		"has_address", details.Address != "",
		"time_hint", details.RequestedTimeRaw,
	)
	return job
}

func (j *bookingJob) record(clientID string, lead time.Duration) models.SessionRecord {
	return models.SessionRecord{
		ClientID:    clientID,
		CallID:      j.callID,
		ServiceType: j.service,
		TimeHint:    j.details.RequestedTimeRaw,
		Notes:       storage.SessionNotes(j.service, j.quote),
		// The spoken time hint is kept as text only; the appointment is
		// always stored one lead interval after the call.
		SessionDate: j.at.Add(lead),
	}
}

// persistBooking writes the client and session, then sends the SMS. Failures
// are kept on the call session and writes are queued for reconciliation.
func (e *Engine) persistBooking(ctx context.Context, job *bookingJob) {
	var failures []error

	clientID, err := callGateway(ctx, e, models.GatewayPersistence, "upsert_client", func(ctx context.Context) (string, error) {
		return e.store.UpsertClient(ctx, job.caller, job.details.Name, job.details.Address)
	})
	var sessionID string
	if err == nil {
		sessionID, err = callGateway(ctx, e, models.GatewayPersistence, "create_session", func(ctx context.Context) (string, error) {
			return e.store.CreateSession(ctx, job.record(clientID, e.lead))
		})
	}
	if err != nil {
		failures = append(failures, err)
		e.reconciler.Enqueue(reconcile.KindBooking, job.callID, e.replayBooking(job, clientID))
	} else {
		e.logger.Info(ctx, "booking saved", "client_id", clientID, "session_id", sessionID)
	}
	e.metrics.RecordBooking(err == nil)

	if job.notify {
		if err := e.confirmBySMS(ctx, job); err != nil {
			failures = append(failures, err)
		}
	}
	e.recordOutcome(ctx, job.callID, clientID, sessionID, failures)
}

// replayBooking finishes a booking whose writes failed during the call.
// clientID is reused once a client row exists.
func (e *Engine) replayBooking(job *bookingJob, clientID string) reconcile.Op {
	return func(ctx context.Context) error {
		if clientID == "" {
			id, err := e.store.UpsertClient(ctx, job.caller, job.details.Name, job.details.Address)
			if err != nil {
				return err
			}
			clientID = id
		}
		sessionID, err := e.store.CreateSession(ctx, job.record(clientID, e.lead))
		if err != nil {
			return err
		}
		e.recordOutcome(ctx, job.callID, clientID, sessionID, nil)
		return nil
	}
}

// recordOutcome stores persisted ids and failures on the live session. A call
// that already ended is left alone; its transcript is resolved by call id.
func (e *Engine) recordOutcome(ctx context.Context, callID, clientID, sessionID string, failures []error) {
	_, err := e.sessions.Update(ctx, callID, func(sess *models.CallSession, existed bool) error {
		if !existed {
			return errSessionGone
		}
		if clientID != "" {
			sess.PersistedClientID = clientID
		}
		if sessionID != "" {
			sess.PersistedSessionID = sessionID
		}
		for _, err := range failures {
			var failure *models.GatewayFailure
			if errors.As(err, &failure) {
				sess.Failures = append(sess.Failures, *failure)
				e.metrics.RecordGatewayFailure(failure.Gateway, failure.Operation)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errSessionGone):
		e.logger.Debug(ctx, "call ended before booking outcome was recorded")
	case err != nil:
		e.logger.Warn(ctx, "failed to record booking outcome", "error", err)
	}
}

func (e *Engine) confirmBySMS(ctx context.Context, job *bookingJob) error {
	sid, err := callGateway(ctx, e, models.GatewayNotification, "send_sms", func(ctx context.Context) (string, error) {
		return e.sms.SendSMS(ctx, job.caller, ConfirmationSMS(job.details))
	})
	if err != nil {
		return err
	}
	e.logger.Info(ctx, "confirmation sms sent", "to", observability.MaskPhone(job.caller), "sid", sid)
	return nil
}

func (e *Engine) saveTranscript(callID, sessionID, transcript string) reconcile.Op {
	return func(ctx context.Context) error {
		id := sessionID
		if id == "" {
			found, err := e.store.SessionByCallID(ctx, callID)
			if err != nil {
				return err
			}
			id = found
		}
		return e.store.SaveTranscript(ctx, id, transcript)
	}
}
