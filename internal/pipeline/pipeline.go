package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/ai"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/metrics"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/queue"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/store"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/whatsapp"

	"go.uber.org/zap"
)

// WebhookJob carries a raw provider payload through the intake stage.
type WebhookJob struct {
	RawPayload []byte
}

// ProcessingJob is one combined user message plus the history snapshot
// fetched at flush time.
type ProcessingJob struct {
	UserID          string
	CombinedMessage string
	History         []store.ConversationTurn
}

// DeliveryJob is a reply awaiting provider delivery. RateLimitRetries
// counts 429 re-schedules, separate from the queue's attempt counter.
// Apology jobs carry the reduced retry policy through re-schedules.
type DeliveryJob struct {
	UserID           string
	ResponseText     string
	RateLimitRetries int
	Apology          bool
}

// MessageSink receives classified inbound messages (the debounce buffer).
type MessageSink interface {
	AddMessage(userID, text, timestamp string)
}

// AIClient is the history-aware AI call.
type AIClient interface {
	Query(ctx context.Context, text, userID string, history []store.ConversationTurn) (ai.Response, error)
}

// HistoryStore is the slice of the conversation store the pipeline writes.
type HistoryStore interface {
	AddTurn(ctx context.Context, userID, query, answer string) error
	LastAssistantTurn(ctx context.Context, userID string) (store.ConversationTurn, bool, error)
}

// DeadLetters receives delivery jobs that exhausted all retries.
type DeadLetters interface {
	Append(ctx context.Context, rec store.DeadLetterRecord) error
}

// Provider is the messaging provider surface the pipeline needs.
type Provider interface {
	ParseWebhook(payload []byte) ([]whatsapp.InboundMessage, []whatsapp.StatusEvent, error)
	Send(ctx context.Context, to, text string) error
}

// Pipeline wires the three staged queues: webhook intake, AI processing and
// reply delivery. Each stage retries independently; a job only crosses
// stages by explicit re-submission as the next stage's type.
type Pipeline struct {
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.PipelineMetrics

	aiClient    AIClient
	history     HistoryStore
	deadLetters DeadLetters
	provider    Provider
	sink        MessageSink

	intake     *queue.Stage[WebhookJob]
	processing *queue.Stage[ProcessingJob]
	delivery   *queue.Stage[DeliveryJob]
}

func New(
	cfg *config.Config,
	logger *log.Logger,
	m *metrics.PipelineMetrics,
	aiClient AIClient,
	history HistoryStore,
	deadLetters DeadLetters,
	provider Provider,
) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		aiClient:    aiClient,
		history:     history,
		deadLetters: deadLetters,
		provider:    provider,
	}

	backoff := queue.Backoff{Base: cfg.RetryBackoffBase}

	p.intake = queue.NewStage(queue.Config{
		Name:        "intake",
		Concurrency: cfg.IntakeConcurrency,
		MaxAttempts: cfg.IntakeMaxAttempts,
		Backoff:     backoff,
	}, logger, m, p.handleWebhook, p.webhookExhausted)

	p.processing = queue.NewStage(queue.Config{
		Name:        "processing",
		Concurrency: cfg.ProcessingConcurrency,
		MaxAttempts: cfg.ProcessingMaxAttempts,
		Backoff:     backoff,
	}, logger, m, p.handleProcessing, p.processingExhausted)

	p.delivery = queue.NewStage(queue.Config{
		Name:        "delivery",
		Concurrency: cfg.DeliveryConcurrency,
		MaxAttempts: cfg.DeliveryMaxAttempts,
		Backoff:     backoff,
	}, logger, m, p.handleDelivery, p.deliveryExhausted)

	return p
}

// SetSink attaches the debounce buffer. Must be called before Start; the
// buffer needs the pipeline for its flush path, so main wires the two after
// both exist.
func (p *Pipeline) SetSink(sink MessageSink) {
	p.sink = sink
}

func (p *Pipeline) Start() {
	p.intake.Start()
	p.processing.Start()
	p.delivery.Start()
	p.logger.Info("Pipeline started",
		zap.Int("intake_workers", p.cfg.IntakeConcurrency),
		zap.Int("processing_workers", p.cfg.ProcessingConcurrency),
		zap.Int("delivery_workers", p.cfg.DeliveryConcurrency))
}

// Close drains the stages upstream-first so in-flight work can still reach
// delivery.
func (p *Pipeline) Close() {
	p.intake.Close()
	p.processing.Close()
	p.delivery.Close()
	p.logger.Info("Pipeline stopped")
}

// SubmitWebhook enqueues a raw provider payload for intake.
func (p *Pipeline) SubmitWebhook(payload []byte) error {
	return p.intake.Submit(WebhookJob{RawPayload: payload})
}

// EnqueueProcessing is the buffer's flush target.
func (p *Pipeline) EnqueueProcessing(userID, combinedMessage string, history []store.ConversationTurn) error {
	return p.processing.Submit(ProcessingJob{
		UserID:          userID,
		CombinedMessage: combinedMessage,
		History:         history,
	})
}

func (p *Pipeline) handleWebhook(ctx context.Context, job WebhookJob) error {
	messages, statuses, err := p.provider.ParseWebhook(job.RawPayload)
	if err != nil {
		return fmt.Errorf("classify webhook payload: %w", err)
	}
	for _, msg := range messages {
		p.sink.AddMessage(msg.UserID, msg.Text, msg.Timestamp)
	}
	for _, st := range statuses {
		if st.Undeliverable() {
			p.handleUndeliverable(ctx, st)
		}
	}
	return nil
}

// Intake exhaustion only logs: webhook payloads are replayable by the
// provider, so there is nothing to dead-letter.
func (p *Pipeline) webhookExhausted(_ context.Context, job WebhookJob, err error) {
	p.logger.Error("Webhook intake exhausted retries, dropping payload",
		zap.Error(err), zap.Int("payload_bytes", len(job.RawPayload)))
}

func (p *Pipeline) handleProcessing(ctx context.Context, job ProcessingJob) error {
	resp, err := p.aiClient.Query(ctx, job.CombinedMessage, job.UserID, job.History)
	if err != nil {
		return fmt.Errorf("AI query for user %s: %w", job.UserID, err)
	}

	// History append is best-effort: failing it must not re-run the AI call.
	if err := p.history.AddTurn(ctx, job.UserID, job.CombinedMessage, resp.Response); err != nil {
		p.logger.Error("Failed to record conversation turn",
			zap.Error(err), zap.String("user_id", job.UserID))
	}

	return p.delivery.Submit(DeliveryJob{
		UserID:       job.UserID,
		ResponseText: resp.Response,
	})
}

// Processing exhaustion yields exactly one apology delivery with a reduced
// budget. Whether that apology itself later dead-letters is independent.
func (p *Pipeline) processingExhausted(_ context.Context, job ProcessingJob, err error) {
	p.logger.Error("Processing exhausted retries, sending apology",
		zap.Error(err),
		zap.String("user_id", job.UserID),
		zap.String("message", truncate(job.CombinedMessage, 100)))
	apology := DeliveryJob{UserID: job.UserID, ResponseText: p.cfg.ApologyMessage, Apology: true}
	maxAttempts, backoff := p.deliveryPolicy(apology)
	submitErr := p.delivery.SubmitWithPolicy(apology, maxAttempts, backoff)
	if submitErr != nil {
		p.logger.Error("Failed to enqueue apology message",
			zap.Error(submitErr), zap.String("user_id", job.UserID))
	}
}

func (p *Pipeline) handleDelivery(ctx context.Context, job DeliveryJob) error {
	err := p.provider.Send(ctx, job.UserID, job.ResponseText)
	if err == nil {
		if p.metrics != nil {
			p.metrics.DeliveriesSent.Inc()
		}
		p.logger.Info("Message delivered", zap.String("user_id", job.UserID))
		return nil
	}

	var delErr *whatsapp.DeliveryError
	if errors.As(err, &delErr) {
		if delErr.RateLimited() {
			return p.reschedule(ctx, job, delErr)
		}
		if delErr.Permanent() {
			return fmt.Errorf("%w: %v", queue.ErrPermanent, delErr)
		}
	}
	return fmt.Errorf("deliver to %s: %w", job.UserID, err)
}

// reschedule re-submits a rate-limited delivery as a new delayed job so the
// current job's attempt counter is not double-counted. Past the resubmit
// cap the job dead-letters instead of circling forever. Either way the
// current job is superseded, not succeeded: the stage counts nothing for it.
func (p *Pipeline) reschedule(ctx context.Context, job DeliveryJob, delErr *whatsapp.DeliveryError) error {
	if p.metrics != nil {
		p.metrics.DeliveriesThrottled.Inc()
	}
	if job.RateLimitRetries >= p.cfg.RateLimitMaxResubmits {
		p.logger.Error("Delivery rate limited past resubmit cap",
			zap.String("user_id", job.UserID),
			zap.Int("resubmits", job.RateLimitRetries))
		p.deadLetter(ctx, job, fmt.Errorf("rate limited %d times: %v", job.RateLimitRetries, delErr))
		return queue.ErrSuperseded
	}

	p.logger.Warn("Delivery rate limited, re-scheduling",
		zap.String("user_id", job.UserID),
		zap.Duration("delay", delErr.RetryAfter),
		zap.Int("resubmit", job.RateLimitRetries+1))
	job.RateLimitRetries++
	maxAttempts, backoff := p.deliveryPolicy(job)
	p.delivery.SubmitAfterWithPolicy(job, delErr.RetryAfter, maxAttempts, backoff)
	return queue.ErrSuperseded
}

// deliveryPolicy is the retry policy a delivery job keeps across submissions
// and 429 re-schedules: apologies get the reduced fixed-backoff budget,
// everything else the stage defaults.
func (p *Pipeline) deliveryPolicy(job DeliveryJob) (int, queue.Backoff) {
	if job.Apology {
		return p.cfg.ApologyMaxAttempts, queue.Backoff{Base: p.cfg.ApologyBackoff, Fixed: true}
	}
	return p.cfg.DeliveryMaxAttempts, queue.Backoff{Base: p.cfg.RetryBackoffBase}
}

func (p *Pipeline) deliveryExhausted(ctx context.Context, job DeliveryJob, err error) {
	p.logger.Error("Critical delivery failure, moving to dead letters",
		zap.Error(err),
		zap.String("user_id", job.UserID),
		zap.String("text", truncate(job.ResponseText, 100)))
	p.deadLetter(ctx, job, err)
}

func (p *Pipeline) deadLetter(ctx context.Context, job DeliveryJob, cause error) {
	rec := store.DeadLetterRecord{
		UserID:        job.UserID,
		ResponseText:  job.ResponseText,
		FailureReason: cause.Error(),
		FailedAt:      time.Now().UTC(),
	}
	if err := p.deadLetters.Append(ctx, rec); err != nil {
		// The record is at least preserved in the log.
		p.logger.Error("Failed to append dead letter",
			zap.Error(err),
			zap.String("user_id", job.UserID),
			zap.String("reason", rec.FailureReason))
		return
	}
	if p.metrics != nil {
		p.metrics.DeadLetters.Inc()
	}
}

// handleUndeliverable reacts to an asynchronous provider status event by
// resending the recipient's most recent assistant turn, best-effort only.
func (p *Pipeline) handleUndeliverable(ctx context.Context, st whatsapp.StatusEvent) {
	p.logger.Warn("Provider reported undeliverable message",
		zap.String("recipient", st.RecipientID),
		zap.String("status", st.Status),
		zap.String("message_id", st.MessageID))

	turn, ok, err := p.history.LastAssistantTurn(ctx, st.RecipientID)
	if err != nil {
		p.logger.Error("Failed to look up last assistant turn",
			zap.Error(err), zap.String("recipient", st.RecipientID))
		return
	}
	if !ok {
		p.logger.Info("No assistant turn to resend", zap.String("recipient", st.RecipientID))
		return
	}
	if err := p.provider.Send(ctx, st.RecipientID, turn.Content); err != nil {
		p.logger.Error("Best-effort resend failed",
			zap.Error(err), zap.String("recipient", st.RecipientID))
	}
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
