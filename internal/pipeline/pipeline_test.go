package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/ai"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/metrics"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/store"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/whatsapp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeAI struct {
	mu    sync.Mutex
	calls int
	resp  ai.Response
	err   error
}

func (f *fakeAI) Query(_ context.Context, _, _ string, _ []store.ConversationTurn) (ai.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedTurn struct {
	userID, query, answer string
}

type fakeHistory struct {
	mu       sync.Mutex
	turns    []recordedTurn
	addErr   error
	lastTurn store.ConversationTurn
	hasLast  bool
	lastErr  error
}

func (f *fakeHistory) AddTurn(_ context.Context, userID, query, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.turns = append(f.turns, recordedTurn{userID, query, answer})
	return nil
}

func (f *fakeHistory) LastAssistantTurn(_ context.Context, _ string) (store.ConversationTurn, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTurn, f.hasLast, f.lastErr
}

func (f *fakeHistory) recorded() []recordedTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedTurn(nil), f.turns...)
}

type fakeDeadLetters struct {
	records chan store.DeadLetterRecord
}

func newFakeDeadLetters() *fakeDeadLetters {
	return &fakeDeadLetters{records: make(chan store.DeadLetterRecord, 8)}
}

func (f *fakeDeadLetters) Append(_ context.Context, rec store.DeadLetterRecord) error {
	f.records <- rec
	return nil
}

type sendCall struct {
	to, text string
}

// fakeProvider fails sends with the queued errors in order, then succeeds.
type fakeProvider struct {
	mu       sync.Mutex
	sendErrs []error
	sends    chan sendCall
	messages []whatsapp.InboundMessage
	statuses []whatsapp.StatusEvent
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sends: make(chan sendCall, 32)}
}

func (f *fakeProvider) ParseWebhook(_ []byte) ([]whatsapp.InboundMessage, []whatsapp.StatusEvent, error) {
	return f.messages, f.statuses, nil
}

func (f *fakeProvider) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	var err error
	if len(f.sendErrs) > 0 {
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	}
	f.mu.Unlock()
	f.sends <- sendCall{to: to, text: text}
	return err
}

type fakeSink struct {
	added chan whatsapp.InboundMessage
}

func (f *fakeSink) AddMessage(userID, text, timestamp string) {
	f.added <- whatsapp.InboundMessage{UserID: userID, Text: text, Timestamp: timestamp}
}

func testPipelineConfig() *config.Config {
	return &config.Config{
		IntakeConcurrency:     2,
		ProcessingConcurrency: 2,
		DeliveryConcurrency:   2,
		IntakeMaxAttempts:     3,
		ProcessingMaxAttempts: 3,
		DeliveryMaxAttempts:   3,
		RetryBackoffBase:      time.Millisecond,
		ApologyMessage:        "sorry, something went wrong",
		ApologyMaxAttempts:    2,
		ApologyBackoff:        time.Millisecond,
		RateLimitMaxResubmits: 3,
	}
}

func newTestPipeline(cfg *config.Config, aiClient *fakeAI, hist *fakeHistory, dl *fakeDeadLetters, prov *fakeProvider) *Pipeline {
	return New(cfg, log.NewNop(), nil, aiClient, hist, dl, prov)
}

func waitSend(t *testing.T, sends chan sendCall) sendCall {
	t.Helper()
	select {
	case s := <-sends:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return sendCall{}
	}
}

func waitDeadLetter(t *testing.T, records chan store.DeadLetterRecord) store.DeadLetterRecord {
	t.Helper()
	select {
	case rec := <-records:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dead letter")
		return store.DeadLetterRecord{}
	}
}

func expectQuiet[T any](t *testing.T, ch chan T, wait time.Duration, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(wait):
	}
}

func TestProcessing_SuccessDeliversAndRecordsHistory(t *testing.T) {
	aiClient := &fakeAI{resp: ai.Response{Response: "the answer"}}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.EnqueueProcessing("u1", "Hello world", nil); err != nil {
		t.Fatalf("EnqueueProcessing() error: %v", err)
	}

	sent := waitSend(t, prov.sends)
	if sent.to != "u1" || sent.text != "the answer" {
		t.Errorf("send = %+v", sent)
	}
	turns := hist.recorded()
	if len(turns) != 1 {
		t.Fatalf("recorded turns = %d, want 1", len(turns))
	}
	if turns[0] != (recordedTurn{"u1", "Hello world", "the answer"}) {
		t.Errorf("turn = %+v", turns[0])
	}
	expectQuiet(t, dl.records, 100*time.Millisecond, "dead letter")
}

func TestProcessing_HistoryWriteFailureStillDelivers(t *testing.T) {
	aiClient := &fakeAI{resp: ai.Response{Response: "the answer"}}
	hist := &fakeHistory{addErr: errors.New("redis down")}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.EnqueueProcessing("u1", "hi", nil); err != nil {
		t.Fatalf("EnqueueProcessing() error: %v", err)
	}

	sent := waitSend(t, prov.sends)
	if sent.text != "the answer" {
		t.Errorf("send = %+v", sent)
	}
	if got := aiClient.callCount(); got != 1 {
		t.Errorf("AI calls = %d, want 1 (history failure must not retry the query)", got)
	}
}

func TestProcessing_ExhaustionSendsSingleApology(t *testing.T) {
	aiClient := &fakeAI{err: errors.New("model overloaded")}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	cfg := testPipelineConfig()
	p := newTestPipeline(cfg, aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.EnqueueProcessing("u1", "hi", nil); err != nil {
		t.Fatalf("EnqueueProcessing() error: %v", err)
	}

	sent := waitSend(t, prov.sends)
	if sent.text != cfg.ApologyMessage {
		t.Errorf("send text = %q, want the apology", sent.text)
	}
	if got := aiClient.callCount(); got != cfg.ProcessingMaxAttempts {
		t.Errorf("AI calls = %d, want %d", got, cfg.ProcessingMaxAttempts)
	}
	expectQuiet(t, prov.sends, 100*time.Millisecond, "second apology")
	if len(hist.recorded()) != 0 {
		t.Error("apology path recorded a conversation turn")
	}
}

func TestDelivery_RateLimitedThenSucceeds(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	prov.sendErrs = []error{&whatsapp.DeliveryError{StatusCode: 429, RetryAfter: 5 * time.Millisecond}}
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.delivery.Submit(DeliveryJob{UserID: "u1", ResponseText: "hi"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	first := waitSend(t, prov.sends)
	second := waitSend(t, prov.sends)
	if first.text != "hi" || second.text != "hi" {
		t.Errorf("sends = %+v, %+v", first, second)
	}
	expectQuiet(t, dl.records, 100*time.Millisecond, "dead letter")
}

func TestDelivery_RateLimitResubmitCapDeadLetters(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	cfg := testPipelineConfig()
	cfg.RateLimitMaxResubmits = 1
	throttle := &whatsapp.DeliveryError{StatusCode: 429, RetryAfter: time.Millisecond}
	prov.sendErrs = []error{throttle, throttle, throttle}
	p := newTestPipeline(cfg, aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.delivery.Submit(DeliveryJob{UserID: "u1", ResponseText: "hi"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitDeadLetter(t, dl.records)
	if rec.UserID != "u1" || rec.ResponseText != "hi" {
		t.Errorf("dead letter = %+v", rec)
	}
	// One original attempt plus one re-scheduled attempt before the cap.
	if got := len(prov.sends); got != 2 {
		t.Errorf("send attempts = %d, want 2", got)
	}
}

func TestDelivery_PermanentErrorDeadLettersWithoutRetry(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	prov.sendErrs = []error{&whatsapp.DeliveryError{StatusCode: 400, Body: "invalid recipient"}}
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.delivery.Submit(DeliveryJob{UserID: "u1", ResponseText: "hi"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitDeadLetter(t, dl.records)
	if rec.UserID != "u1" {
		t.Errorf("dead letter = %+v", rec)
	}
	if got := len(prov.sends); got != 1 {
		t.Errorf("send attempts = %d, want 1 for a permanent failure", got)
	}
}

func TestDelivery_TransientExhaustionDeadLetters(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	fail := &whatsapp.DeliveryError{StatusCode: 500, Body: "upstream error"}
	prov.sendErrs = []error{fail, fail, fail}
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.delivery.Submit(DeliveryJob{UserID: "u1", ResponseText: "hi"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	rec := waitDeadLetter(t, dl.records)
	if rec.FailureReason == "" {
		t.Error("dead letter has no failure reason")
	}
	if got := len(prov.sends); got != 3 {
		t.Errorf("send attempts = %d, want the full budget of 3", got)
	}
}

func TestClose_DrainsPendingWorkBeforeReturning(t *testing.T) {
	aiClient := &fakeAI{resp: ai.Response{Response: "the answer"}}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.Start()

	// The shutdown path enqueues final buffer flushes right before Close;
	// those replies must still go out.
	if err := p.EnqueueProcessing("u1", "last words", nil); err != nil {
		t.Fatalf("EnqueueProcessing() error: %v", err)
	}
	p.Close()

	select {
	case sent := <-prov.sends:
		if sent.text != "the answer" {
			t.Errorf("send = %+v", sent)
		}
	default:
		t.Fatal("job enqueued before Close was never delivered")
	}
}

func TestDelivery_RateLimitedApologyKeepsReducedBudget(t *testing.T) {
	aiClient := &fakeAI{err: errors.New("model overloaded")}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	cfg := testPipelineConfig()
	throttle := &whatsapp.DeliveryError{StatusCode: 429, RetryAfter: time.Millisecond}
	fail := &whatsapp.DeliveryError{StatusCode: 500, Body: "upstream error"}
	prov.sendErrs = []error{throttle, fail, fail, fail, fail}
	p := newTestPipeline(cfg, aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.EnqueueProcessing("u1", "hi", nil); err != nil {
		t.Fatalf("EnqueueProcessing() error: %v", err)
	}

	rec := waitDeadLetter(t, dl.records)
	if rec.ResponseText != cfg.ApologyMessage {
		t.Errorf("dead letter text = %q, want the apology", rec.ResponseText)
	}
	// One 429 attempt plus the apology's own budget of 2 — the re-scheduled
	// job must not regain the stage default of 3.
	if got := len(prov.sends); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
}

func TestDelivery_SuccessCounterSkipsReschedules(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	prov.sendErrs = []error{&whatsapp.DeliveryError{StatusCode: 429, RetryAfter: time.Millisecond}}
	cfg := testPipelineConfig()
	m := metrics.NewPipelineMetrics(prometheus.NewRegistry(), cfg, log.NewNop())
	p := New(cfg, log.NewNop(), m, aiClient, hist, dl, prov)
	p.Start()
	defer p.Close()

	if err := p.delivery.Submit(DeliveryJob{UserID: "u1", ResponseText: "hi"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitSend(t, prov.sends)
	waitSend(t, prov.sends)
	time.Sleep(50 * time.Millisecond)

	if got := testutil.ToFloat64(m.JobsSucceeded.WithLabelValues("delivery")); got != 1 {
		t.Errorf("jobs succeeded = %v, want 1 (the rescheduled attempt only)", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesSent); got != 1 {
		t.Errorf("deliveries sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesThrottled); got != 1 {
		t.Errorf("deliveries throttled = %v, want 1", got)
	}
}

func TestIntake_MessagesReachTheSink(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	prov.messages = []whatsapp.InboundMessage{{UserID: "u1", Text: "hi", Timestamp: "1700000000"}}
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	sink := &fakeSink{added: make(chan whatsapp.InboundMessage, 4)}
	p.SetSink(sink)
	p.Start()
	defer p.Close()

	if err := p.SubmitWebhook([]byte("{}")); err != nil {
		t.Fatalf("SubmitWebhook() error: %v", err)
	}

	select {
	case msg := <-sink.added:
		if msg.UserID != "u1" || msg.Text != "hi" {
			t.Errorf("sink message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the sink")
	}
}

func TestIntake_UndeliverableStatusResendsLastAssistantTurn(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{
		lastTurn: store.ConversationTurn{Role: store.RoleAssistant, Content: "earlier answer"},
		hasLast:  true,
	}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	prov.statuses = []whatsapp.StatusEvent{{MessageID: "wamid.1", Status: "failed", RecipientID: "u1"}}
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.SetSink(&fakeSink{added: make(chan whatsapp.InboundMessage, 1)})
	p.Start()
	defer p.Close()

	if err := p.SubmitWebhook([]byte("{}")); err != nil {
		t.Fatalf("SubmitWebhook() error: %v", err)
	}

	sent := waitSend(t, prov.sends)
	if sent.to != "u1" || sent.text != "earlier answer" {
		t.Errorf("resend = %+v", sent)
	}
	expectQuiet(t, prov.sends, 100*time.Millisecond, "second resend")
}

func TestIntake_UndeliverableWithoutHistoryIsQuiet(t *testing.T) {
	aiClient := &fakeAI{}
	hist := &fakeHistory{}
	dl := newFakeDeadLetters()
	prov := newFakeProvider()
	prov.statuses = []whatsapp.StatusEvent{{MessageID: "wamid.1", Status: "unable_to_deliver", RecipientID: "u1"}}
	p := newTestPipeline(testPipelineConfig(), aiClient, hist, dl, prov)
	p.SetSink(&fakeSink{added: make(chan whatsapp.InboundMessage, 1)})
	p.Start()
	defer p.Close()

	if err := p.SubmitWebhook([]byte("{}")); err != nil {
		t.Fatalf("SubmitWebhook() error: %v", err)
	}

	expectQuiet(t, prov.sends, 150*time.Millisecond, "resend without history")
}
