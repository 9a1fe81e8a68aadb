package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/notaryline/internal/notify"
	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/pricing"
	"github.com/haasonsaas/notaryline/internal/reconcile"
	"github.com/haasonsaas/notaryline/internal/retry"
	"github.com/haasonsaas/notaryline/internal/sessions"
	"github.com/haasonsaas/notaryline/internal/storage"
	"github.com/haasonsaas/notaryline/internal/tts"
	"github.com/haasonsaas/notaryline/pkg/models"
)

// Conversation flows.
const (
	FlowScripted       = "scripted"
	FlowConversational = "conversational"
)

var errSessionGone = errors.New("voice: call already ended")

var (
	// ErrNoRecordingURL is returned for a recording callback that carries
	// neither a URL nor the sids to build one.
	ErrNoRecordingURL = errors.New("voice: recording callback without a recording url")
	// ErrInvalidEvent wraps AgentEvent validation problems.
	ErrInvalidEvent = errors.New("voice: invalid agent event")
)

// Config wires an Engine.
type Config struct {
	Sessions   sessions.Store
	Store      storage.Backend
	SMS        notify.Sender
	Speech     tts.Synthesizer
	Reconciler *reconcile.Reconciler
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer

	// Flow selects the scripted or conversational prompts.
	Flow string
	// Location is the business time zone used for greetings and surcharges.
	Location *time.Location
	// SessionLead is added to the booking time to produce session_date.
	SessionLead time.Duration
	// GatewayTimeout bounds each gateway call including retries.
	GatewayTimeout time.Duration
	Retry          retry.Config
	Now            func() time.Time
}

// Engine runs the IVR state machine. Each method handles one webhook.
type Engine struct {
	sessions   sessions.Store
	store      storage.Backend
	sms        notify.Sender
	speech     tts.Synthesizer
	reconciler *reconcile.Reconciler
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	flow    string
	loc     *time.Location
	lead    time.Duration
	timeout time.Duration
	retry   retry.Config
	now     func() time.Time

	saves sync.WaitGroup
}

// NewEngine validates cfg and fills defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("voice: session store is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("voice: persistence backend is required")
	}
	e := &Engine{
		sessions:   cfg.Sessions,
		store:      cfg.Store,
		sms:        cfg.SMS,
		speech:     cfg.Speech,
		reconciler: cfg.Reconciler,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		flow:       cfg.Flow,
		loc:        cfg.Location,
		lead:       cfg.SessionLead,
		timeout:    cfg.GatewayTimeout,
		retry:      cfg.Retry,
		now:        cfg.Now,
	}
	switch e.flow {
	case "":
		e.flow = FlowScripted
	case FlowScripted, FlowConversational:
	default:
		return nil, fmt.Errorf("voice: unknown flow %q", cfg.Flow)
	}
	if e.sms == nil {
		e.sms = notify.Disabled{}
	}
	if e.speech == nil {
		e.speech = tts.Disabled{}
	}
	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.lead <= 0 {
		e.lead = time.Hour
	}
	if e.timeout <= 0 {
		e.timeout = 3 * time.Second
	}
	if e.retry.MaxAttempts == 0 {
		e.retry = retry.DefaultConfig()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Turn returns how many webhooks have been handled for callID. It is 0 once
// the call has ended and -1 when the session cannot be read.
func (e *Engine) Turn(ctx context.Context, callID string) int {
	sess, err := e.sessions.Get(ctx, callID)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return 0
	case err != nil:
		return -1
	}
	return sess.Turns
}

// Flow returns the configured conversation flow.
func (e *Engine) Flow() string {
	return e.flow
}

func (e *Engine) clock() time.Time {
	return e.now().In(e.loc)
}

// Start answers a new call: greet, start recording, ask for the service.
func (e *Engine) Start(ctx context.Context, form CallForm) *Response {
	ctx = observability.AddCallID(ctx, form.CallSid)
	resp, err := e.handle(ctx, form, func(ctx context.Context, sess *models.CallSession, _ bool) *Response {
		return e.begin(ctx, sess)
	})
	if err != nil {
		return e.unavailable(ctx, PathVoice, err)
	}
	return e.render(ctx, resp)
}

// ServiceRequest prices the caller's request and asks for booking details.
func (e *Engine) ServiceRequest(ctx context.Context, form CallForm) *Response {
	ctx = observability.AddCallID(ctx, form.CallSid)
	resp, err := e.handle(ctx, form, func(ctx context.Context, sess *models.CallSession, existed bool) *Response {
		if resp, restarted := e.require(ctx, sess, existed, models.StageAwaitingServiceRequest, PathService); restarted {
			return resp
		}
		t := e.newTurn(sess)
		if form.SpeechResult == "" {
			return e.noInput(ctx, t, e.serviceGather())
		}
		t.heard(form.SpeechResult)

		service, quote := e.quote(ctx, sess, form.SpeechResult, t.at)
		t.say(QuoteSummary(service, quote))
		next := scriptedBookingGather()
		t.gather(next)
		t.resp.Say(next.fallback)
		e.advance(ctx, sess, models.StageAwaitingBooking)
		return t.resp
	})
	if err != nil {
		return e.unavailable(ctx, PathService, err)
	}
	return e.render(ctx, resp)
}

// Converse handles one turn of the free-form help loop.
func (e *Engine) Converse(ctx context.Context, form CallForm) *Response {
	ctx = observability.AddCallID(ctx, form.CallSid)
	resp, err := e.handle(ctx, form, func(ctx context.Context, sess *models.CallSession, existed bool) *Response {
		if resp, restarted := e.require(ctx, sess, existed, models.StageAwaitingServiceRequest, PathInput); restarted {
			return resp
		}
		t := e.newTurn(sess)
		text := form.SpeechResult
		if text == "" {
			return e.noInput(ctx, t, helpGather(promptHowCanIHelp))
		}
		t.heard(text)

		switch {
		case containsAny(text, pricingKeywords):
			service, quote := e.quote(ctx, sess, text, t.at)
			t.gather(helpGather(conversationalQuote(service, quote)))
		case containsAny(text, bookingKeywords):
			t.gather(conversationalBookingGather())
			e.advance(ctx, sess, models.StageAwaitingBooking)
		default:
			t.gather(helpGather(promptGeneralHelp))
		}
		t.resp.Say(promptConnectAgent)
		return t.resp
	})
	if err != nil {
		return e.unavailable(ctx, PathInput, err)
	}
	return e.render(ctx, resp)
}

// Booking captures name, address and time, persists the booking and sends
// the confirmation SMS. The caller is told the booking is scheduled even
// when persistence fails.
func (e *Engine) Booking(ctx context.Context, form CallForm) *Response {
	ctx = observability.AddCallID(ctx, form.CallSid)
	var job *bookingJob
	resp, err := e.handle(ctx, form, func(ctx context.Context, sess *models.CallSession, existed bool) *Response {
		if resp, restarted := e.require(ctx, sess, existed, models.StageAwaitingBooking, PathBooking); restarted {
			return resp
		}
		t := e.newTurn(sess)
		if form.SpeechResult == "" {
			return e.noInput(ctx, t, e.bookingGather())
		}
		t.heard(form.SpeechResult)

		job = e.captureBooking(ctx, sess, form.SpeechResult, t.at)
		t.say(BookingConfirmation(job.details, job.notify))
		t.say(promptAnythingElse)
		t.gather(followUpGather())
		t.resp.Say(promptGoodbye).Hangup()
		e.advance(ctx, sess, models.StageAwaitingFollowUp)
		return t.resp
	})
	if err != nil {
		return e.unavailable(ctx, PathBooking, err)
	}
	if job != nil {
		e.persistBooking(ctx, job)
	}
	return e.render(ctx, resp)
}

// FollowUp loops back into the help flow on an affirmative answer and ends
// the call on anything else.
func (e *Engine) FollowUp(ctx context.Context, form CallForm) *Response {
	ctx = observability.AddCallID(ctx, form.CallSid)
	resp, err := e.handle(ctx, form, func(ctx context.Context, sess *models.CallSession, existed bool) *Response {
		if resp, restarted := e.require(ctx, sess, existed, models.StageAwaitingFollowUp, PathFollowUp); restarted {
			return resp
		}
		t := e.newTurn(sess)
		input := form.Input()
		if input != "" {
			t.heard(input)
		}
		if IsAffirmative(input) {
			t.gather(helpGather(promptMoreHelp))
			t.resp.Say(promptConnectAgent)
			return t.resp
		}
		t.say(promptClosing)
		t.resp.Hangup()
		e.advance(ctx, sess, models.StageEnded)
		return t.resp
	})
	if err != nil {
		return e.unavailable(ctx, PathFollowUp, err)
	}
	return e.render(ctx, resp)
}

// CallStatus ends the session when the provider reports a terminal status.
func (e *Engine) CallStatus(ctx context.Context, form CallForm) *Response {
	ctx = observability.AddCallID(ctx, form.CallSid)
	if !form.Status.IsTerminal() {
		e.logger.Debug(ctx, "call status", "status", string(form.Status))
		return NewResponse()
	}
	_, err := e.sessions.Update(ctx, form.CallSid, func(sess *models.CallSession, existed bool) error {
		if !existed {
			return errSessionGone
		}
		e.logger.Info(ctx, "call ended by provider",
			"status", string(form.Status),
			"reason", string(form.Status.EndReason()),
			"stage", sess.Stage.String(),
		)
		e.advance(ctx, sess, models.StageEnded)
		return nil
	})
	if err != nil && !errors.Is(err, errSessionGone) {
		e.logger.Warn(ctx, "failed to end call", "error", err)
	}
	return NewResponse()
}

// RecordingStatus attaches a finished recording to the booked session.
func (e *Engine) RecordingStatus(ctx context.Context, form RecordingForm) error {
	ctx = observability.AddCallID(ctx, form.CallSid)
	url := form.URL()
	if url == "" {
		return ErrNoRecordingURL
	}
	rec := models.RecordingRecord{
		CallID:     form.CallSid,
		URL:        url,
		Transcript: form.TranscriptionText,
		RecordedAt: e.clock(),
	}
	booked := false
	if sess, err := e.sessions.Get(ctx, form.CallSid); err == nil {
		rec.SessionID = sess.PersistedSessionID
		booked = sess.Bookings > 0
	}

	attach := func(ctx context.Context) error {
		return e.store.AttachRecording(ctx, rec)
	}
	_, err := callGateway(ctx, e, models.GatewayPersistence, "attach_recording", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, attach(ctx)
	})
	if err == nil {
		e.logger.Info(ctx, "recording attached", "recording_sid", form.RecordingSid)
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) && !booked && !e.bookingPending(form.CallSid) {
		e.logger.Info(ctx, "recording has no booked session", "recording_sid", form.RecordingSid)
		return nil
	}
	e.reconciler.Enqueue(reconcile.KindRecording, form.CallSid, attach)
	return err
}

// AgentEvent records a line from the external conversational agent and
// applies DeriveEvent to the updated transcript.
func (e *Engine) AgentEvent(ctx context.Context, ev AgentEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	role, _ := ev.TranscriptRole()
	callID := ev.CallID()
	ctx = observability.AddCallID(ctx, callID)

	var job *bookingJob
	_, err := e.sessions.Update(ctx, callID, func(sess *models.CallSession, existed bool) error {
		if !existed {
			e.metrics.CallStarted()
			e.advance(ctx, sess, models.StageAwaitingServiceRequest)
		}
		now := e.clock()
		sess.Transcript.Append(role, normalizeSpeech(ev.Text), now)

		derived := DeriveEvent(sess.Transcript.Entries())
		switch derived.Kind {
		case EventQuote:
			e.quote(ctx, sess, derived.Utterance, now)
			e.advance(ctx, sess, models.StageAwaitingBooking)
		case EventBooking:
			job = e.captureBooking(ctx, sess, derived.Utterance, now)
			e.advance(ctx, sess, models.StageAwaitingFollowUp)
		}
		if derived.Kind != EventNone {
			e.logger.Debug(ctx, "derived event", "kind", derived.Kind.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	if job != nil {
		e.persistBooking(ctx, job)
	}
	return nil
}

// HandleEviction is the sessions.EvictFunc for the engine's store. It logs
// the transcript and saves it onto the booked session.
func (e *Engine) HandleEviction(sess *models.CallSession, reason sessions.EvictReason) {
	ctx := observability.AddCallID(context.Background(), sess.CallID)
	e.metrics.CallEnded(string(reason), e.now().Sub(sess.CreatedAt).Seconds())

	transcript := sess.Transcript.Format()
	e.logger.Info(ctx, "call session closed",
		"reason", string(reason),
		"stage", sess.Stage.String(),
		"entries", sess.Transcript.Len(),
		"failures", len(sess.Failures),
		"transcript", transcript,
	)
	if sess.Bookings == 0 && sess.PersistedSessionID == "" {
		return
	}

	// Eviction runs on the goroutine answering the final webhook.
	save := e.saveTranscript(sess.CallID, sess.PersistedSessionID, transcript)
	e.saves.Add(1)
	go func() {
		defer e.saves.Done()
		_, err := callGateway(ctx, e, models.GatewayPersistence, "save_transcript", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, save(ctx)
		})
		if err != nil {
			e.reconciler.Enqueue(reconcile.KindTranscript, sess.CallID, save)
		}
	}()
}

// Wait blocks until transcript saves started by HandleEviction finish or ctx
// is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.saves.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stepFunc func(ctx context.Context, sess *models.CallSession, existed bool) *Response

// handle runs step under the call lock.
func (e *Engine) handle(ctx context.Context, form CallForm, step stepFunc) (*Response, error) {
	var resp *Response
	_, err := e.sessions.Update(ctx, form.CallSid, func(sess *models.CallSession, existed bool) error {
		if !existed {
			e.metrics.CallStarted()
		}
		sess.Turns++
		if form.From != "" && form.From != models.UnknownCaller {
			sess.CallerNumber = form.From
		}
		resp = step(observability.AddStage(ctx, sess.Stage.String()), sess, existed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// begin emits the greeting and moves the call to AwaitingServiceRequest.
func (e *Engine) begin(ctx context.Context, sess *models.CallSession) *Response {
	if sess.Stage != models.StageStart {
		sess.Restart()
	}
	t := e.newTurn(sess)
	t.resp.Record(PathRecordingStatus)

	var g gatherPlan
	if e.flow == FlowConversational {
		g = helpGather(conversationalWelcome(t.at.Hour()))
	} else {
		g = serviceGather(scriptedWelcome(t.at.Hour()))
	}
	t.gather(g)
	t.resp.Say(g.fallback)
	e.advance(ctx, sess, models.StageAwaitingServiceRequest)
	return t.resp
}

// require restarts the call when the session is new or has not reached min.
func (e *Engine) require(ctx context.Context, sess *models.CallSession, existed bool, min models.Stage, handler string) (*Response, bool) {
	if existed && sess.Stage >= min {
		return nil, false
	}
	e.metrics.RecordRestart(handler)
	e.logger.Info(ctx, "restarting call at start",
		"handler", handler,
		"known", existed,
		"stage", sess.Stage.String(),
	)
	return e.begin(ctx, sess), true
}

// noInput re-prompts once, then gives up with the stage fallback.
func (e *Engine) noInput(ctx context.Context, t *turn, g gatherPlan) *Response {
	stage := t.sess.Stage.String()
	if t.sess.Reprompts == 0 {
		t.sess.Reprompts++
		e.metrics.RecordEmptyInput(stage, "reprompt")
		t.say(promptNoInput)
		t.gather(g)
		t.resp.Say(g.fallback)
		return t.resp
	}
	e.metrics.RecordEmptyInput(stage, "fallback")
	e.logger.Info(ctx, "no input after re-prompt, ending call")
	t.say(g.fallback)
	t.resp.Hangup()
	e.advance(ctx, t.sess, models.StageEnded)
	return t.resp
}

func (e *Engine) advance(ctx context.Context, sess *models.CallSession, target models.Stage) {
	from := sess.Stage
	if !sess.Advance(target) {
		return
	}
	sess.Reprompts = 0
	e.metrics.RecordTransition(from.String(), target.String())
	e.logger.Debug(ctx, "stage advanced", "from", from.String(), "to", target.String())
}

func (e *Engine) quote(ctx context.Context, sess *models.CallSession, utterance string, now time.Time) (models.ServiceType, models.PricingQuote) {
	service, q := pricing.Quote(utterance, now)
	sess.ServiceType = service
	sess.Quote = &q
	e.metrics.RecordQuote(string(service), q.AfterHours())
	e.logger.Info(ctx, "quote issued",
		"service_type", string(service),
		"total", q.Total,
		"after_hours", q.AfterHours(),
	)
	return service, q
}

func (e *Engine) serviceGather() gatherPlan {
	if e.flow == FlowConversational {
		return helpGather(promptHowCanIHelp)
	}
	return serviceGather(promptWhichService)
}

func (e *Engine) bookingGather() gatherPlan {
	if e.flow == FlowConversational {
		return conversationalBookingGather()
	}
	return scriptedBookingGather()
}

// unavailable is the reply when the session store cannot be used.
func (e *Engine) unavailable(ctx context.Context, handler string, err error) *Response {
	e.logger.Error(ctx, "call session unavailable", "handler", handler, "error", err)
	return Unavailable()
}

// Unavailable is the reply given when a call cannot be handled: the caller
// is offered an agent and the call ends.
func Unavailable() *Response {
	return NewResponse().Say(promptConnectAgent).Hangup()
}

// render replaces spoken lines with synthesized audio when speech synthesis
// is enabled. Lines that fail to synthesize stay as Say.
func (e *Engine) render(ctx context.Context, resp *Response) *Response {
	if !tts.Enabled(e.speech) {
		return resp
	}
	resp.replaceSay(func(say *Say) any {
		url, err := callGateway(ctx, e, models.GatewaySpeech, "synthesize", func(ctx context.Context) (string, error) {
			return e.speech.Synthesize(ctx, say.Text)
		})
		if err != nil {
			return say
		}
		return &Play{URL: url, Text: say.Text}
	})
	return resp
}

func (e *Engine) bookingPending(callID string) bool {
	for _, job := range e.reconciler.Jobs() {
		if job.CallID == callID && job.Kind == reconcile.KindBooking {
			return true
		}
	}
	return false
}

// callGateway runs fn with the gateway timeout and retry policy, and wraps a
// final error in a models.GatewayFailure.
func callGateway[T any](ctx context.Context, e *Engine, gateway, operation string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := e.tracer.TraceGateway(ctx, gateway, operation)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	value, result := retry.DoWithValue(ctx, e.retry, fn)
	elapsed := time.Since(start).Seconds()
	if result.Err != nil {
		e.metrics.RecordGatewayCall(gateway, operation, "error", elapsed)
		e.tracer.RecordError(span, result.Err)
		e.logger.Warn(ctx, "gateway call failed",
			"gateway", gateway,
			"operation", operation,
			"attempts", result.Attempts,
			"error", result.Err,
		)
		var zero T
		return zero, models.NewGatewayFailure(gateway, operation, result.Err, e.now())
	}
	e.metrics.RecordGatewayCall(gateway, operation, "success", elapsed)
	return value, nil
}

// turn builds one directive and logs what the agent says.
type turn struct {
	sess *models.CallSession
	at   time.Time
	resp *Response
}

func (e *Engine) newTurn(sess *models.CallSession) *turn {
	return &turn{sess: sess, at: e.clock(), resp: NewResponse()}
}

func (t *turn) heard(text string) {
	t.sess.Reprompts = 0
	t.sess.Transcript.Append(models.RoleCaller, strings.TrimSpace(text), t.at)
}

func (t *turn) say(text string) {
	t.sess.Transcript.Append(models.RoleAgent, text, t.at)
	t.resp.Say(text)
}

func (t *turn) gather(g gatherPlan) {
	t.sess.Transcript.Append(models.RoleAgent, g.prompt, t.at)
	t.resp.Gather(g.build())
}
