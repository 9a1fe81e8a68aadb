package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/haasonsaas/notaryline/internal/cache"
	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/sessions"
	"github.com/haasonsaas/notaryline/internal/voice"
)

const maxEventBytes = 64 << 10

// step is one engine handler.
type step func(context.Context, voice.CallForm) *voice.Response

// replayPolicy says which requests of a route may be answered from the
// replay cache.
type replayPolicy int

const (
	replayNever replayPolicy = iota
	// replayWithInput caches only turns that carried speech or digits, so a
	// second timeout after a re-prompt still reaches the engine.
	replayWithInput
	replayAlways
)

func (s *Server) routes() {
	s.twilio(voice.PathVoice, s.engine.Start, replayAlways)
	s.twilio(voice.PathService, s.engine.ServiceRequest, replayWithInput)
	s.twilio(voice.PathInput, s.engine.Converse, replayWithInput)
	s.twilio(voice.PathBooking, s.engine.Booking, replayWithInput)
	s.twilio(voice.PathFollowUp, s.engine.FollowUp, replayWithInput)
	s.twilio(voice.PathCallStatus, s.engine.CallStatus, replayNever)

	s.mux.Handle("POST "+voice.PathRecordingStatus, s.instrument(voice.PathRecordingStatus,
		s.recoverJSON(s.verifySignature(http.HandlerFunc(s.handleRecordingStatus)))))
	s.mux.Handle("POST "+voice.PathAgentEvent, s.instrument(voice.PathAgentEvent,
		s.recoverJSON(http.HandlerFunc(s.handleAgentEvent))))
}

func (s *Server) twilio(path string, fn step, policy replayPolicy) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		form := voice.ParseCallForm(r.PostForm)
		ctx := observability.AddCallID(r.Context(), form.CallSid)
		ctx, span := s.tracer.TraceWebhook(ctx, path, form.CallSid)
		defer span.End()

		key := ""
		if s.replay != nil {
			switch {
			case policy == replayAlways,
				policy == replayWithInput && form.Input() != "":
				key = cache.ReplayKey(path, r.PostForm.Get("CallSid"), form.SpeechResult, form.Digits)
			}
		}

		run := func() (cache.Response, bool) {
			body, err := fn(ctx, form).Marshal()
			if err != nil {
				s.tracer.RecordError(span, err)
				s.logger.Error(ctx, "failed to render twiml", "path", path, "error", err)
				return cache.Response{Status: http.StatusOK, ContentType: voice.ContentType, Body: fallbackTwiML()}, false
			}
			return cache.Response{
				Status:      http.StatusOK,
				ContentType: voice.ContentType,
				Body:        body,
				Turn:        s.engine.Turn(ctx, form.CallSid),
			}, true
		}
		// A cached reply answers a provider retry only while no other
		// webhook has moved the call on.
		fresh := func(cached cache.Response) bool {
			return cached.Turn >= 0 && cached.Turn == s.engine.Turn(ctx, form.CallSid)
		}

		var resp cache.Response
		if key == "" {
			resp, _ = run()
		} else {
			var replayed bool
			resp, replayed = s.replay.DoIf(key, s.now, fresh, run)
			if replayed {
				s.metrics.RecordReplay(path)
				s.logger.Debug(ctx, "replayed webhook response", "path", path)
			}
		}
		writeResponse(w, resp)
	})
	s.mux.Handle("POST "+path, s.instrument(path, s.recoverTwiML(s.verifySignature(h))))
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	form := voice.ParseRecordingForm(r.PostForm)
	ctx := observability.AddCallID(r.Context(), form.CallSid)
	ctx, span := s.tracer.TraceWebhook(ctx, voice.PathRecordingStatus, form.CallSid)
	defer span.End()

	err := s.engine.RecordingStatus(ctx, form)
	switch {
	case errors.Is(err, voice.ErrNoRecordingURL):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		// Queued for reconciliation; the provider does not need to retry.
		s.tracer.RecordError(span, err)
		s.logger.Warn(ctx, "recording not attached yet", "error", err)
	}
	body, _ := (&voice.Response{}).Marshal() //nolint:errcheck
	writeResponse(w, cache.Response{Status: http.StatusOK, ContentType: voice.ContentType, Body: body})
}

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	var ev voice.AgentEvent
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err == nil {
		err = json.Unmarshal(body, &ev)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	ctx := observability.AddCallID(r.Context(), ev.CallID())
	ctx, span := s.tracer.TraceWebhook(ctx, voice.PathAgentEvent, ev.CallID())
	defer span.End()

	err = s.engine.AgentEvent(ctx, ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	case errors.Is(err, voice.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, sessions.ErrLockTimeout), errors.Is(err, sessions.ErrClosed):
		s.tracer.RecordError(span, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "call session unavailable"})
	default:
		s.tracer.RecordError(span, err)
		s.logger.Error(ctx, "agent event failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeResponse(w http.ResponseWriter, resp cache.Response) {
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func fallbackTwiML() []byte {
	body, err := voice.Unavailable().Marshal()
	if err != nil {
		return []byte(`<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`)
	}
	return body
}
