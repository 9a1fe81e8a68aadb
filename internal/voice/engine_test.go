package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/reconcile"
	"github.com/haasonsaas/notaryline/internal/retry"
	"github.com/haasonsaas/notaryline/internal/sessions"
	"github.com/haasonsaas/notaryline/internal/storage"
	"github.com/haasonsaas/notaryline/pkg/models"
)

const (
	testCall   = "CA100"
	testCaller = "+15551234567"
)

// Tuesday 10:00, inside business hours.
var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type sentSMS struct {
	to, body string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentSMS
	err  error
}

func (r *recordingSender) SendSMS(_ context.Context, to, body string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, sentSMS{to: to, body: body})
	return "SM1", nil
}

type flakyBackend struct {
	*storage.MemoryStore
	upsertErr error
	// saveGate, when set, holds SaveTranscript until it is closed.
	saveGate chan struct{}
}

func (f *flakyBackend) SaveTranscript(ctx context.Context, sessionID, transcript string) error {
	if f.saveGate != nil {
		select {
		case <-f.saveGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.MemoryStore.SaveTranscript(ctx, sessionID, transcript)
}

func (f *flakyBackend) UpsertClient(ctx context.Context, phone, name, address string) (string, error) {
	if f.upsertErr != nil {
		return "", f.upsertErr
	}
	return f.MemoryStore.UpsertClient(ctx, phone, name, address)
}

type fixture struct {
	engine     *Engine
	sessions   *sessions.MemoryStore
	store      *storage.MemoryStore
	backend    *flakyBackend
	sms        *recordingSender
	metrics    *observability.Metrics
	reconciler *reconcile.Reconciler
}

func newFixture(t *testing.T, configure ...func(*Config)) *fixture {
	t.Helper()
	store := storage.NewMemoryStore("agent-1")
	f := &fixture{
		sessions: sessions.NewMemoryStore(sessions.Options{TTL: 15 * time.Minute, Now: func() time.Time { return testNow }}),
		store:    store,
		backend:  &flakyBackend{MemoryStore: store},
		sms:      &recordingSender{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	t.Cleanup(func() { _ = f.sessions.Close() })

	rec, err := reconcile.New(reconcile.Config{Schedule: "@every 1m"})
	if err != nil {
		t.Fatalf("reconcile.New() error = %v", err)
	}
	f.reconciler = rec

	cfg := Config{
		Sessions:   f.sessions,
		Store:      f.backend,
		SMS:        f.sms,
		Reconciler: rec,
		Metrics:    f.metrics,
		Location:   time.UTC,
		Retry:      retry.Config{MaxAttempts: 1},
		Now:        func() time.Time { return testNow },
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	f.sessions.SetEvictHandler(engine.HandleEviction)
	f.engine = engine
	t.Cleanup(func() { _ = engine.Wait(context.Background()) })
	return f
}

func form(speech string) CallForm {
	return CallForm{CallSid: testCall, From: testCaller, SpeechResult: speech}
}

func (f *fixture) session(t *testing.T) *models.CallSession {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), testCall)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", testCall, err)
	}
	return sess
}

func (f *fixture) driveToFollowUp(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.engine.Start(ctx, form(""))
	f.engine.ServiceRequest(ctx, form("I need a hospital notary"))
	f.engine.Booking(ctx, form("Jane Doe, 5 Elm St, at 3pm"))
}

func spokenContains(resp *Response, want string) bool {
	for _, line := range resp.Spoken() {
		if strings.Contains(line, want) {
			return true
		}
	}
	return false
}

func TestScriptedCallEndsAfterFourTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.engine.Start(ctx, form(""))
	if !resp.Records() {
		t.Fatal("start should record the call")
	}
	if g := resp.FirstGather(); g == nil || g.Action != PathService || g.Timeout != 3 {
		t.Fatalf("start gather = %+v", g)
	}
	if got := resp.Spoken()[0]; !strings.HasPrefix(got, "Good morning Thank you for calling our notary service.") {
		t.Fatalf("greeting = %q", got)
	}

	resp = f.engine.ServiceRequest(ctx, form("I need a hospital notary"))
	want := "I understand you need hospital notarization. Our travel fee is $100 plus $15 per signature. Estimated total is $115."
	if got := resp.Spoken()[0]; got != want {
		t.Fatalf("quote = %q, want %q", got, want)
	}
	if g := resp.FirstGather(); g == nil || g.Action != PathBooking {
		t.Fatalf("service gather = %+v", g)
	}
	sess := f.session(t)
	if sess.ServiceType != models.ServiceHospital || sess.Quote == nil || sess.Quote.Total != 115 {
		t.Fatalf("session after quote = %+v", sess)
	}

	resp = f.engine.Booking(ctx, form("Jane Doe, 5 Elm St, at 3pm"))
	want = "Thanks Jane Doe! I've scheduled your notary appointment at 5 Elm St. You'll receive a confirmation message shortly with all the details."
	if got := resp.Spoken()[0]; got != want {
		t.Fatalf("confirmation = %q, want %q", got, want)
	}
	if g := resp.FirstGather(); g == nil || g.Action != PathFollowUp || g.NumDigits != 1 {
		t.Fatalf("booking gather = %+v", g)
	}
	if len(f.sms.sent) != 1 || f.sms.sent[0].to != testCaller {
		t.Fatalf("sms = %+v", f.sms.sent)
	}
	if !strings.Contains(f.sms.sent[0].body, "A notary will arrive at 5 Elm St.") {
		t.Fatalf("sms body = %q", f.sms.sent[0].body)
	}

	sess = f.session(t)
	if sess.Stage != models.StageAwaitingFollowUp || sess.PersistedSessionID == "" || sess.PersistedClientID == "" {
		t.Fatalf("session after booking = %+v", sess)
	}
	stored, ok := f.store.Session(sess.PersistedSessionID)
	if !ok {
		t.Fatal("booking session not stored")
	}
	if stored.ServiceType != models.ServiceHospital || stored.TimeHint != "3pm" || stored.CallID != testCall {
		t.Fatalf("stored session = %+v", stored)
	}
	if stored.Notes != "Service: hospital notarization, Quote: $115" {
		t.Fatalf("notes = %q", stored.Notes)
	}
	if !stored.SessionDate.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("session date = %v, want now + 1h", stored.SessionDate)
	}
	clients := f.store.Clients()
	if len(clients) != 1 || clients[0].Phone != testCaller || clients[0].Name != "Jane Doe" {
		t.Fatalf("clients = %+v", clients)
	}

	resp = f.engine.FollowUp(ctx, form("no"))
	if !resp.HangsUp() {
		t.Fatal("follow-up 'no' should hang up")
	}
	if f.sessions.Len() != 0 {
		t.Fatal("ended session should be evicted")
	}

	transitions := [][2]models.Stage{
		{models.StageStart, models.StageAwaitingServiceRequest},
		{models.StageAwaitingServiceRequest, models.StageAwaitingBooking},
		{models.StageAwaitingBooking, models.StageAwaitingFollowUp},
		{models.StageAwaitingFollowUp, models.StageEnded},
	}
	for _, tr := range transitions {
		if got := testutil.ToFloat64(f.metrics.TransitionCounter.WithLabelValues(tr[0].String(), tr[1].String())); got != 1 {
			t.Fatalf("transition %s -> %s counted %v times", tr[0], tr[1], got)
		}
	}
	if got := testutil.CollectAndCount(f.metrics.TransitionCounter); got != 4 {
		t.Fatalf("distinct transitions = %d, want 4", got)
	}

	if err := f.engine.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	stored, _ = f.store.Session(stored.ID)
	if !strings.Contains(stored.Transcript, "Caller: Jane Doe, 5 Elm St, at 3pm") ||
		!strings.HasSuffix(stored.Transcript, "Agent: "+promptClosing) {
		t.Fatalf("stored transcript = %q", stored.Transcript)
	}
	if testutil.ToFloat64(f.metrics.ActiveCalls) != 0 {
		t.Fatal("active calls gauge should return to 0")
	}
}

func TestUnknownCallRestartsAtStart(t *testing.T) {
	handlers := []struct {
		name string
		path string
		call func(*Engine, context.Context, CallForm) *Response
	}{
		{"service", PathService, (*Engine).ServiceRequest},
		{"input", PathInput, (*Engine).Converse},
		{"booking", PathBooking, (*Engine).Booking},
		{"follow-up", PathFollowUp, (*Engine).FollowUp},
	}
	for _, h := range handlers {
		t.Run(h.name, func(t *testing.T) {
			f := newFixture(t)
			resp := h.call(f.engine, context.Background(), form("Jane Doe, 5 Elm St, at 3pm"))
			if !resp.Records() || resp.FirstGather() == nil || resp.FirstGather().Action != PathService {
				t.Fatalf("expected start directive, got %+v", resp.Spoken())
			}
			if sess := f.session(t); sess.Stage != models.StageAwaitingServiceRequest || sess.Booking != nil {
				t.Fatalf("session = %+v", sess)
			}
			if got := testutil.ToFloat64(f.metrics.RestartCounter.WithLabelValues(h.path)); got != 1 {
				t.Fatalf("restart counter = %v", got)
			}
		})
	}
}

func TestHandlerBelowMinimumStageRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Start(ctx, form(""))

	resp := f.engine.Booking(ctx, form("Jane Doe, 5 Elm St, at 3pm"))
	if resp.FirstGather() == nil || resp.FirstGather().Action != PathService {
		t.Fatalf("booking before a quote should restart, got %v", resp.Spoken())
	}
	if len(f.store.Clients()) != 0 {
		t.Fatal("nothing should be persisted on restart")
	}
}

func TestPersistenceFailureStillConfirms(t *testing.T) {
	f := newFixture(t)
	f.backend.upsertErr = errors.New("database unavailable")
	ctx := context.Background()

	f.engine.Start(ctx, form(""))
	f.engine.ServiceRequest(ctx, form("standard notary please"))
	resp := f.engine.Booking(ctx, form("Jane Doe, 5 Elm St, at 3pm"))

	if got := resp.Spoken()[0]; !strings.HasPrefix(got, "Thanks Jane Doe! I've scheduled your notary appointment") {
		t.Fatalf("confirmation = %q", got)
	}
	if resp.FirstGather() == nil || resp.FirstGather().Action != PathFollowUp {
		t.Fatal("caller should still be asked about follow-up")
	}

	sess := f.session(t)
	if len(sess.Failures) != 1 || sess.Failures[0].Gateway != models.GatewayPersistence || sess.Failures[0].Operation != "upsert_client" {
		t.Fatalf("failures = %+v", sess.Failures)
	}
	if sess.PersistedSessionID != "" {
		t.Fatal("no session id should be recorded")
	}
	if f.reconciler.Pending() != 1 {
		t.Fatalf("pending reconcile jobs = %d, want 1", f.reconciler.Pending())
	}
	if got := testutil.ToFloat64(f.metrics.BookingCounter.WithLabelValues("false")); got != 1 {
		t.Fatalf("unpersisted booking counter = %v", got)
	}

	f.backend.upsertErr = nil
	if n := f.reconciler.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	if f.session(t).PersistedSessionID == "" {
		t.Fatal("reconciled booking should be recorded on the live session")
	}
}

func TestSMSFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.sms.err = retry.Permanent(errors.New("invalid number"))
	f.driveToFollowUp(t)

	sess := f.session(t)
	if sess.PersistedSessionID == "" {
		t.Fatal("booking should persist despite sms failure")
	}
	if len(sess.Failures) != 1 || sess.Failures[0].Gateway != models.GatewayNotification {
		t.Fatalf("failures = %+v", sess.Failures)
	}
	if f.reconciler.Pending() != 0 {
		t.Fatal("sms failures are not reconciled")
	}
}

func TestUnknownCallerSkipsSMS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	anon := CallForm{CallSid: testCall, From: models.UnknownCaller}

	f.engine.Start(ctx, anon)
	anon.SpeechResult = "jail visit"
	f.engine.ServiceRequest(ctx, anon)
	anon.SpeechResult = "Sam Lee, 9 Oak Ave, at noon"
	resp := f.engine.Booking(ctx, anon)

	if len(f.sms.sent) != 0 {
		t.Fatalf("sms sent without a caller number: %+v", f.sms.sent)
	}
	if want := "Thanks Sam Lee! I've scheduled your notary appointment at 9 Oak Ave."; resp.Spoken()[0] != want {
		t.Fatalf("confirmation = %q, want %q", resp.Spoken()[0], want)
	}
}

func TestEmptyInputRepromptsOnceThenHangsUp(t *testing.T) {
	tests := []struct {
		name     string
		call     func(*Engine, context.Context, CallForm) *Response
		setup    func(*fixture)
		action   string
		fallback string
	}{
		{
			name:     "service",
			call:     (*Engine).ServiceRequest,
			action:   PathService,
			fallback: promptConnectAgent,
		},
		{
			name: "booking",
			call: (*Engine).Booking,
			setup: func(f *fixture) {
				f.engine.ServiceRequest(context.Background(), form("hospital"))
			},
			action:   PathBooking,
			fallback: promptBookingFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.engine.Start(ctx, form(""))
			if tt.setup != nil {
				tt.setup(f)
			}
			stage := f.session(t).Stage

			resp := tt.call(f.engine, ctx, form(""))
			if resp.Spoken()[0] != promptNoInput || resp.HangsUp() {
				t.Fatalf("first empty input = %v", resp.Spoken())
			}
			if g := resp.FirstGather(); g == nil || g.Action != tt.action || !g.ActionOnEmptyResult {
				t.Fatalf("re-prompt gather = %+v", g)
			}
			if sess := f.session(t); sess.Stage != stage || sess.Reprompts != 1 {
				t.Fatalf("session after re-prompt = %+v", sess)
			}

			resp = tt.call(f.engine, ctx, form(""))
			if !resp.HangsUp() || resp.Spoken()[0] != tt.fallback {
				t.Fatalf("second empty input = %v", resp.Spoken())
			}
			if f.sessions.Len() != 0 {
				t.Fatal("call should end after the fallback")
			}
		})
	}
}

func TestInputResetsReprompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Start(ctx, form(""))
	f.engine.ServiceRequest(ctx, form(""))
	f.engine.ServiceRequest(ctx, form("travel notary"))

	resp := f.engine.Booking(ctx, form(""))
	if resp.HangsUp() {
		t.Fatal("an earlier re-prompt should not count against the next stage")
	}
}

func TestFollowUp(t *testing.T) {
	tests := []struct {
		name     string
		form     CallForm
		wantLoop bool
	}{
		{"digit one", CallForm{CallSid: testCall, Digits: "1"}, true},
		{"spoken yes with punctuation", CallForm{CallSid: testCall, SpeechResult: "Yes."}, true},
		{"spoken one", CallForm{CallSid: testCall, SpeechResult: "One"}, true},
		{"digit two", CallForm{CallSid: testCall, Digits: "2"}, false},
		{"no", CallForm{CallSid: testCall, SpeechResult: "no thanks"}, false},
		{"timeout", CallForm{CallSid: testCall}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.driveToFollowUp(t)

			resp := f.engine.FollowUp(context.Background(), tt.form)
			if tt.wantLoop {
				if g := resp.FirstGather(); g == nil || g.Action != PathInput {
					t.Fatalf("affirmative follow-up gather = %+v", g)
				}
				if f.session(t).Stage != models.StageAwaitingFollowUp {
					t.Fatal("help loop should keep the follow-up stage")
				}
				return
			}
			if !resp.HangsUp() || resp.Spoken()[0] != promptClosing {
				t.Fatalf("closing = %v", resp.Spoken())
			}
			if f.sessions.Len() != 0 {
				t.Fatal("session should be evicted")
			}
		})
	}
}

func TestRepeatedServiceRequestDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	f.driveToFollowUp(t)

	f.engine.ServiceRequest(context.Background(), form("actually it's a jail visit"))
	sess := f.session(t)
	if sess.Stage != models.StageAwaitingFollowUp {
		t.Fatalf("stage = %s, want awaiting_follow_up", sess.Stage)
	}
	if sess.ServiceType != models.ServiceJail || sess.Quote.TravelFee != 200 {
		t.Fatalf("quote not recomputed: %+v", sess.Quote)
	}
}

func TestAfterHoursNote(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Now = func() time.Time { return time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC) }
	})
	ctx := context.Background()
	resp := f.engine.Start(ctx, form(""))
	if !strings.HasPrefix(resp.Spoken()[0], "Good evening") {
		t.Fatalf("greeting = %q", resp.Spoken()[0])
	}
	resp = f.engine.ServiceRequest(ctx, form("standard"))
	if !spokenContains(resp, "Estimated total is $75. Please note that this includes a $25 after-hours service fee.") {
		t.Fatalf("quote = %v", resp.Spoken())
	}
}

func TestConversationalFlow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Flow = FlowConversational })
	ctx := context.Background()

	resp := f.engine.Start(ctx, form(""))
	if g := resp.FirstGather(); g == nil || g.Action != PathInput || g.Timeout != 5 {
		t.Fatalf("start gather = %+v", g)
	}
	if resp.Spoken()[0] != "Good morning, thank you for calling our notary service. How can I help you today?" {
		t.Fatalf("greeting = %q", resp.Spoken()[0])
	}

	resp = f.engine.Converse(ctx, form("how much for a jail visit"))
	if !spokenContains(resp, "The estimated total is $215. Would you like to schedule an appointment?") {
		t.Fatalf("pricing reply = %v", resp.Spoken())
	}
	if f.session(t).Stage != models.StageAwaitingServiceRequest {
		t.Fatal("pricing should stay in the help loop")
	}

	resp = f.engine.Converse(ctx, form("what are your hours"))
	if resp.Spoken()[0] != promptGeneralHelp {
		t.Fatalf("general reply = %v", resp.Spoken())
	}

	resp = f.engine.Converse(ctx, form("yes let's book it"))
	if g := resp.FirstGather(); g == nil || g.Action != PathBooking || g.Timeout != 10 {
		t.Fatalf("booking gather = %+v", g)
	}
	if f.session(t).Stage != models.StageAwaitingBooking {
		t.Fatal("booking keyword should advance the stage")
	}

	f.engine.Booking(ctx, form("Jane Doe, 5 Elm St, at 3pm"))
	sess := f.session(t)
	stored, ok := f.store.Session(sess.PersistedSessionID)
	if !ok || stored.ServiceType != models.ServiceJail {
		t.Fatalf("stored session = %+v, %v", stored, ok)
	}
}

func TestCallStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Start(ctx, form(""))

	f.engine.CallStatus(ctx, CallForm{CallSid: testCall, Status: StatusInProgress})
	if f.sessions.Len() != 1 {
		t.Fatal("non-terminal status should keep the session")
	}

	resp := f.engine.CallStatus(ctx, CallForm{CallSid: testCall, Status: StatusCompleted})
	if len(resp.Verbs) != 0 {
		t.Fatalf("call status reply should be empty, got %d verbs", len(resp.Verbs))
	}
	if f.sessions.Len() != 0 {
		t.Fatal("terminal status should evict the session")
	}
	if got := testutil.ToFloat64(f.metrics.ActiveCalls); got != 0 {
		t.Fatalf("active calls = %v", got)
	}

	f.engine.CallStatus(ctx, CallForm{CallSid: "CA-unknown", Status: StatusBusy})
	if f.sessions.Len() != 0 {
		t.Fatal("status for an unknown call must not create a session")
	}
}

func TestHangupDuringBookingSavesTranscriptByCallID(t *testing.T) {
	f := newFixture(t)
	f.driveToFollowUp(t)
	ctx := context.Background()
	sessionID := f.session(t).PersistedSessionID

	f.engine.CallStatus(ctx, CallForm{CallSid: testCall, Status: StatusCanceled})
	_ = f.engine.Wait(ctx)
	stored, _ := f.store.Session(sessionID)
	if !strings.HasPrefix(stored.Transcript, "Agent: Good morning") {
		t.Fatalf("transcript = %q", stored.Transcript)
	}
}

func TestRecordingStatus(t *testing.T) {
	f := newFixture(t)
	f.driveToFollowUp(t)
	ctx := context.Background()
	sessionID := f.session(t).PersistedSessionID

	err := f.engine.RecordingStatus(ctx, RecordingForm{
		CallSid:           testCall,
		AccountSid:        "AC1",
		RecordingSid:      "RE1",
		TranscriptionText: "hello",
	})
	if err != nil {
		t.Fatalf("RecordingStatus() error = %v", err)
	}
	docs := f.store.Documents(sessionID)
	if len(docs) != 1 {
		t.Fatalf("documents = %+v", docs)
	}
	if docs[0].URL != "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE1" {
		t.Fatalf("url = %q", docs[0].URL)
	}
	if docs[0].Name != "Call Recording 2026-03-10 10:00" || docs[0].Content != "hello" {
		t.Fatalf("document = %+v", docs[0])
	}

	// After the call has ended the session is found by call id.
	f.engine.FollowUp(ctx, CallForm{CallSid: testCall, SpeechResult: "no"})
	if err := f.engine.RecordingStatus(ctx, RecordingForm{CallSid: testCall, RecordingURL: "https://r/2"}); err != nil {
		t.Fatalf("RecordingStatus() after hangup error = %v", err)
	}
	if len(f.store.Documents(sessionID)) != 2 {
		t.Fatal("recording after hangup should attach by call id")
	}
}

func TestRecordingWithoutBooking(t *testing.T) {
	f := newFixture(t)
	err := f.engine.RecordingStatus(context.Background(), RecordingForm{CallSid: "CA-none", RecordingURL: "https://r/1"})
	if err != nil {
		t.Fatalf("RecordingStatus() error = %v", err)
	}
	if f.reconciler.Pending() != 0 {
		t.Fatal("recordings for unbooked calls are not retried")
	}
	if err := f.engine.RecordingStatus(context.Background(), RecordingForm{CallSid: "CA-none"}); err == nil {
		t.Fatal("expected error without a recording url")
	}
}

func TestSessionExpirySavesTranscript(t *testing.T) {
	f := newFixture(t)
	f.driveToFollowUp(t)
	sessionID := f.session(t).PersistedSessionID

	if n := f.sessions.Sweep(testNow.Add(time.Hour)); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	_ = f.engine.Wait(context.Background())
	stored, _ := f.store.Session(sessionID)
	if !strings.Contains(stored.Transcript, "Caller: I need a hospital notary") {
		t.Fatalf("transcript = %q", stored.Transcript)
	}
	if got := testutil.ToFloat64(f.metrics.ActiveCalls); got != 0 {
		t.Fatalf("active calls = %v", got)
	}
}

func TestAgentEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events := []AgentEvent{
		{ConversationID: testCall, Role: "user", Text: "I need a hospital notary"},
		{ConversationID: testCall, Role: "agent", Text: "Our travel fee is $100. The estimated total is $115."},
		{ConversationID: testCall, Role: "user", Text: "Jane Doe, 5 Elm St, at 3pm"},
		{ConversationID: testCall, Role: "agent", Text: "Thanks Jane Doe! I've scheduled your notary appointment."},
	}
	for i, ev := range events {
		if err := f.engine.AgentEvent(ctx, ev); err != nil {
			t.Fatalf("event %d error = %v", i, err)
		}
		if i == 1 {
			if sess := f.session(t); sess.ServiceType != models.ServiceHospital || sess.Stage != models.StageAwaitingBooking {
				t.Fatalf("after quote event: %+v", sess)
			}
		}
	}

	sess := f.session(t)
	if sess.Booking == nil || sess.Booking.Name != "Jane Doe" || sess.PersistedSessionID == "" {
		t.Fatalf("after booking event: %+v", sess)
	}
	if sess.Transcript.Len() != 4 {
		t.Fatalf("transcript entries = %d, want 4", sess.Transcript.Len())
	}

	if err := f.engine.AgentEvent(ctx, AgentEvent{Role: "agent", Text: "hi"}); err == nil {
		t.Fatal("event without a call id should fail validation")
	}
}

func TestNewEngineValidation(t *testing.T) {
	store := sessions.NewMemoryStore(sessions.Options{})
	defer store.Close()
	if _, err := NewEngine(Config{Store: storage.NewMemoryStore("a")}); err == nil {
		t.Error("expected error without a session store")
	}
	if _, err := NewEngine(Config{Sessions: store}); err == nil {
		t.Error("expected error without a backend")
	}
	if _, err := NewEngine(Config{Sessions: store, Store: storage.NewMemoryStore("a"), Flow: "freestyle"}); err == nil {
		t.Error("expected error for an unknown flow")
	}
	e, err := NewEngine(Config{Sessions: store, Store: storage.NewMemoryStore("a")})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if e.Flow() != FlowScripted {
		t.Fatalf("default flow = %q", e.Flow())
	}
}

type fakeSynth struct {
	err error
}

func (s fakeSynth) Synthesize(_ context.Context, text string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://notary.example.com/audio/" + strings.ReplaceAll(text[:4], " ", "_") + ".mp3", nil
}

func TestRenderUsesSynthesizedAudio(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Speech = fakeSynth{} })
	resp := f.engine.Start(context.Background(), form(""))
	g := resp.FirstGather()
	if g == nil {
		t.Fatal("missing gather")
	}
	play, ok := g.Verbs[0].(*Play)
	if !ok {
		t.Fatalf("gather prompt = %T, want *Play", g.Verbs[0])
	}
	if !strings.HasPrefix(play.URL, "https://notary.example.com/audio/") || !strings.HasPrefix(play.Text, "Good morning") {
		t.Fatalf("play = %+v", play)
	}
}

func TestRenderFallsBackToSay(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Speech = fakeSynth{err: errors.New("quota exceeded")} })
	resp := f.engine.Start(context.Background(), form(""))
	if _, ok := resp.FirstGather().Verbs[0].(*Say); !ok {
		t.Fatalf("failed synthesis should keep Say, got %T", resp.FirstGather().Verbs[0])
	}
	if got := testutil.ToFloat64(f.metrics.GatewayCounter.WithLabelValues(models.GatewaySpeech, "synthesize", "error")); got == 0 {
		t.Fatal("speech failure should be counted")
	}
}

func TestEndingCallDoesNotWaitForTranscriptSave(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.GatewayTimeout = time.Minute })
	f.backend.saveGate = make(chan struct{})
	ctx := context.Background()
	f.driveToFollowUp(t)
	sessionID := f.session(t).PersistedSessionID

	done := make(chan *Response, 1)
	go func() { done <- f.engine.FollowUp(ctx, form("no")) }()
	select {
	case resp := <-done:
		if !resp.HangsUp() {
			t.Fatal("follow-up 'no' should hang up")
		}
	case <-time.After(2 * time.Second):
		close(f.backend.saveGate)
		t.Fatal("closing reply waited for the transcript save")
	}
	if stored, _ := f.store.Session(sessionID); stored.Transcript != "" {
		t.Fatalf("transcript saved before the store was released: %q", stored.Transcript)
	}

	close(f.backend.saveGate)
	if err := f.engine.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if stored, _ := f.store.Session(sessionID); !strings.HasSuffix(stored.Transcript, "Agent: "+promptClosing) {
		t.Fatalf("transcript = %q", stored.Transcript)
	}
}

func TestStartAgainClearsPreviousBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driveToFollowUp(t)
	firstID := f.session(t).PersistedSessionID

	resp := f.engine.Start(ctx, form(""))
	if g := resp.Next(); g == nil || g.Action != PathService {
		t.Fatalf("start directive = %v", resp.Heard())
	}
	sess := f.session(t)
	if sess.Stage != models.StageAwaitingServiceRequest {
		t.Fatalf("stage = %s", sess.Stage)
	}
	if sess.Quote != nil || sess.Booking != nil || sess.ServiceType != "" || sess.PersistedSessionID != "" {
		t.Fatalf("previous booking carried over: %+v", sess)
	}

	// Booking without a fresh quote restarts instead of saving a second row.
	f.engine.Booking(ctx, form("Jane Doe, 5 Elm St, at 3pm"))
	if n := len(f.store.Clients()); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}

	f.engine.CallStatus(ctx, CallForm{CallSid: testCall, Status: StatusCompleted})
	_ = f.engine.Wait(ctx)
	if stored, _ := f.store.Session(firstID); !strings.Contains(stored.Transcript, "Caller: Jane Doe, 5 Elm St, at 3pm") {
		t.Fatalf("first booking transcript = %q", stored.Transcript)
	}
}
