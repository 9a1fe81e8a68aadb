package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors for the webhook server.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordWebhook("/handle-booking", "200", time.Since(start).Seconds())
//	metrics.RecordTransition("awaiting_booking", "awaiting_follow_up")
type Metrics struct {
	// WebhookCounter counts webhook requests.
	// Labels: path, status_code
	WebhookCounter *prometheus.CounterVec

	// WebhookDuration measures webhook handling latency in seconds.
	// Labels: path
	WebhookDuration *prometheus.HistogramVec

	// TransitionCounter counts stage transitions.
	// Labels: from, to
	TransitionCounter *prometheus.CounterVec

	// RestartCounter counts webhooks that restarted a call at Start.
	// Labels: handler
	RestartCounter *prometheus.CounterVec

	// RepromptCounter counts empty-input re-prompts and fallbacks.
	// Labels: stage, outcome (reprompt|fallback)
	RepromptCounter *prometheus.CounterVec

	// ActiveCalls tracks live call sessions.
	ActiveCalls prometheus.Gauge

	// CallDuration measures call session lifetime in seconds.
	// Labels: reason (ended|expired|deleted)
	CallDuration *prometheus.HistogramVec

	// QuoteCounter counts quotes by service type and after-hours flag.
	QuoteCounter *prometheus.CounterVec

	// BookingCounter counts captured bookings.
	// Labels: persisted (true|false)
	BookingCounter *prometheus.CounterVec

	// GatewayCounter counts gateway calls.
	// Labels: gateway, operation, status (success|error)
	GatewayCounter *prometheus.CounterVec

	// GatewayDuration measures gateway latency including retries.
	// Labels: gateway, operation
	GatewayDuration *prometheus.HistogramVec

	// GatewayFailures counts failures recorded on call sessions.
	// Labels: gateway, operation
	GatewayFailures *prometheus.CounterVec

	// ReconcilePending is the number of queued reconciliation jobs.
	ReconcilePending prometheus.Gauge

	// ReconcileCounter counts reconciliation attempts.
	// Labels: kind, outcome (success|retry|dropped)
	ReconcileCounter *prometheus.CounterVec

	// ReplayCounter counts webhook responses served from the replay cache.
	// Labels: path
	ReplayCounter *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// Passing nil registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		WebhookCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_webhooks_total",
				Help: "Total number of webhook requests by path and status code",
			},
			[]string{"path", "status_code"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notaryline_webhook_duration_seconds",
				Help:    "Duration of webhook handling in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"path"},
		),
		TransitionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_stage_transitions_total",
				Help: "Total number of call stage transitions",
			},
			[]string{"from", "to"},
		),
		RestartCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_call_restarts_total",
				Help: "Webhooks that restarted a call because its session was missing or behind",
			},
			[]string{"handler"},
		),
		RepromptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_empty_inputs_total",
				Help: "Empty caller inputs by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		ActiveCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notaryline_active_calls",
				Help: "Current number of live call sessions",
			},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notaryline_call_duration_seconds",
				Help:    "Lifetime of call sessions in seconds",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"reason"},
		),
		QuoteCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_quotes_total",
				Help: "Quotes issued by service type",
			},
			[]string{"service_type", "after_hours"},
		),
		BookingCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_bookings_total",
				Help: "Bookings captured by persistence outcome",
			},
			[]string{"persisted"},
		),
		GatewayCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_gateway_calls_total",
				Help: "Calls to external gateways by status",
			},
			[]string{"gateway", "operation", "status"},
		),
		GatewayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notaryline_gateway_duration_seconds",
				Help:    "Duration of gateway calls in seconds, including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"gateway", "operation"},
		),
		GatewayFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_gateway_failures_total",
				Help: "Gateway failures recorded on call sessions",
			},
			[]string{"gateway", "operation"},
		),
		ReconcilePending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notaryline_reconcile_pending",
				Help: "Queued reconciliation jobs",
			},
		),
		ReconcileCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_reconcile_attempts_total",
				Help: "Reconciliation attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ReplayCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notaryline_webhook_replays_total",
				Help: "Webhook responses served from the replay cache",
			},
			[]string{"path"},
		),
	}
}

// RecordWebhook records a handled webhook.
func (m *Metrics) RecordWebhook(path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.WebhookCounter.WithLabelValues(path, statusCode).Inc()
	m.WebhookDuration.WithLabelValues(path).Observe(durationSeconds)
}

// RecordTransition counts a stage change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionCounter.WithLabelValues(from, to).Inc()
}

// RecordRestart counts a webhook that fell back to the Start stage.
func (m *Metrics) RecordRestart(handler string) {
	if m == nil {
		return
	}
	m.RestartCounter.WithLabelValues(handler).Inc()
}

// RecordEmptyInput counts a re-prompt or fallback for a stage.
func (m *Metrics) RecordEmptyInput(stage, outcome string) {
	if m == nil {
		return
	}
	m.RepromptCounter.WithLabelValues(stage, outcome).Inc()
}

// CallStarted increments the live call gauge.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

// CallEnded decrements the live call gauge and records the call lifetime.
func (m *Metrics) CallEnded(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallDuration.WithLabelValues(reason).Observe(durationSeconds)
}

// RecordQuote counts an issued quote.
func (m *Metrics) RecordQuote(serviceType string, afterHours bool) {
	if m == nil {
		return
	}
	m.QuoteCounter.WithLabelValues(serviceType, boolLabel(afterHours)).Inc()
}

// RecordBooking counts a captured booking.
func (m *Metrics) RecordBooking(persisted bool) {
	if m == nil {
		return
	}
	m.BookingCounter.WithLabelValues(boolLabel(persisted)).Inc()
}

// RecordGatewayCall records a gateway call outcome.
func (m *Metrics) RecordGatewayCall(gateway, operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.GatewayCounter.WithLabelValues(gateway, operation, status).Inc()
	m.GatewayDuration.WithLabelValues(gateway, operation).Observe(durationSeconds)
}

// RecordGatewayFailure counts a failure kept on a call session.
func (m *Metrics) RecordGatewayFailure(gateway, operation string) {
	if m == nil {
		return
	}
	m.GatewayFailures.WithLabelValues(gateway, operation).Inc()
}

// SetReconcilePending sets the queued job gauge.
func (m *Metrics) SetReconcilePending(n int) {
	if m == nil {
		return
	}
	m.ReconcilePending.Set(float64(n))
}

// RecordReconcile counts a reconciliation attempt.
func (m *Metrics) RecordReconcile(kind, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileCounter.WithLabelValues(kind, outcome).Inc()
}

// RecordReplay counts a webhook answered from the replay cache.
func (m *Metrics) RecordReplay(path string) {
	if m == nil {
		return
	}
	m.ReplayCounter.WithLabelValues(path).Inc()
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
