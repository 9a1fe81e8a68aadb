package server

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/notaryline/internal/cache"
	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/voice"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.AddRequestID(r.Context(), id)))
	})
}

// instrument logs and measures a webhook under its route path.
func (s *Server) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		elapsed := s.now().Sub(start)
		s.metrics.RecordWebhook(path, strconv.Itoa(wrapped.status), elapsed.Seconds())
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", path,
			"status", wrapped.status,
			"duration", elapsed.Round(time.Microsecond),
		)
	})
}

// recoverTwiML answers a panicking voice webhook with the agent fallback so
// the caller never hears the provider's application error.
func (s *Server) recoverTwiML(next http.Handler) http.Handler {
	return s.recoverWith(next, func(w http.ResponseWriter) {
		writeResponse(w, cache.Response{Status: http.StatusOK, ContentType: voice.ContentType, Body: fallbackTwiML()})
	})
}

func (s *Server) recoverJSON(next http.Handler) http.Handler {
	return s.recoverWith(next, func(w http.ResponseWriter) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	})
}

func (s *Server) recoverWith(next http.Handler, reply func(http.ResponseWriter)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error(r.Context(), "webhook panic",
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				reply(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// verifySignature parses the form and, when enabled, rejects requests whose
// X-Twilio-Signature does not match.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}
		if s.verify {
			signature := r.Header.Get(voice.SignatureHeader)
			if !voice.VerifySignature(s.authToken, s.requestURL(r), r.PostForm, signature) {
				s.logger.Warn(r.Context(), "rejected webhook signature", "path", r.URL.Path)
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requestURL is the URL the provider signed.
func (s *Server) requestURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
