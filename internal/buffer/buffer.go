package buffer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/metrics"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/store"

	"go.uber.org/zap"
)

// EnablementChecker answers whether a user currently accepts automated
// replies. Must be synchronous; it is called from the flush path.
type EnablementChecker interface {
	IsEnabled(userID string) bool
}

// HistoryReader fetches the user's conversation history at flush time.
type HistoryReader interface {
	History(ctx context.Context, userID string) ([]store.ConversationTurn, error)
}

// FlushFunc hands a combined message plus history to the processing stage.
type FlushFunc func(userID, combinedMessage string, history []store.ConversationTurn) error

type userBuffer struct {
	messages      []string
	lastTimestamp string
	timer         *time.Timer
	seq           uint64
}

// MessageBuffer accumulates rapid-fire messages per user and flushes one
// combined unit after a quiet period with no new messages. Each new message
// resets the window (sliding debounce). At most one pending flush timer
// exists per user; the seq counter makes a stale fired timer a no-op.
type MessageBuffer struct {
	cfg      *config.Config
	logger   *log.Logger
	metrics  *metrics.PipelineMetrics
	registry EnablementChecker
	history  HistoryReader
	flush    FlushFunc

	mu      sync.Mutex
	buffers map[string]*userBuffer
}

func NewMessageBuffer(
	cfg *config.Config,
	logger *log.Logger,
	m *metrics.PipelineMetrics,
	registry EnablementChecker,
	history HistoryReader,
	flush FlushFunc,
) *MessageBuffer {
	return &MessageBuffer{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		registry: registry,
		history:  history,
		flush:    flush,
		buffers:  make(map[string]*userBuffer),
	}
}

// AddMessage appends text to the user's buffer and re-arms the flush timer.
func (b *MessageBuffer) AddMessage(userID, text, timestamp string) {
	b.mu.Lock()
	buf, exists := b.buffers[userID]
	if !exists {
		buf = &userBuffer{}
		b.buffers[userID] = buf
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.messages = append(buf.messages, text)
	buf.lastTimestamp = timestamp
	buf.seq++
	seq := buf.seq
	buf.timer = time.AfterFunc(b.cfg.BufferQuietPeriod, func() {
		b.flushUser(userID, seq)
	})
	size := len(buf.messages)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.MessagesBuffered.Inc()
	}
	b.logger.Debug("Buffered message",
		zap.String("user_id", userID), zap.Int("buffer_size", size))
}

// FlushAll force-processes every pending buffer, used on shutdown.
func (b *MessageBuffer) FlushAll() {
	b.mu.Lock()
	pending := make(map[string]uint64, len(b.buffers))
	for userID, buf := range b.buffers {
		pending[userID] = buf.seq
	}
	b.mu.Unlock()

	for userID, seq := range pending {
		b.flushUser(userID, seq)
	}
}

// flushUser takes ownership of the buffer and removes it before doing any
// slow work — the entry must never outlive its flush, even on error. A seq
// mismatch means a newer message re-armed the timer after this one fired.
func (b *MessageBuffer) flushUser(userID string, seq uint64) {
	b.mu.Lock()
	buf, exists := b.buffers[userID]
	if !exists || buf.seq != seq {
		b.mu.Unlock()
		return
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delete(b.buffers, userID)
	b.mu.Unlock()

	if !b.registry.IsEnabled(userID) {
		b.logger.Info("Auto-reply disabled, discarding buffer without sending",
			zap.String("user_id", userID), zap.Int("messages", len(buf.messages)))
		if b.metrics != nil {
			b.metrics.BuffersDiscarded.Inc()
		}
		return
	}

	combined := strings.Join(buf.messages, " ")
	b.logger.Info("Processing buffer",
		zap.String("user_id", userID), zap.Int("messages", len(buf.messages)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	history, err := b.history.History(ctx, userID)
	if err != nil {
		// Proceed with an empty history; retries belong to the queue stages.
		b.logger.Error("Failed to read history at flush, continuing without it",
			zap.Error(err), zap.String("user_id", userID))
		history = nil
	}

	if err := b.flush(userID, combined, history); err != nil {
		b.logger.Error("Failed to enqueue combined message",
			zap.Error(err), zap.String("user_id", userID))
		return
	}
	if b.metrics != nil {
		b.metrics.BuffersFlushed.Inc()
	}
}
