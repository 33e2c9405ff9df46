package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const historyPrefix = "history:"

// ConversationStore keeps a bounded, ordered log of question/answer turns
// per user. The list is trimmed to the configured limit on every append and
// its expiry is renewed, so inactive conversations age out on their own.
type ConversationStore struct {
	rdb    *redis.Client
	cfg    *config.Config
	logger *log.Logger
}

func NewConversationStore(rdb *redis.Client, cfg *config.Config, logger *log.Logger) *ConversationStore {
	return &ConversationStore{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *ConversationStore) key(userID string) string {
	return historyPrefix + userID
}

// History returns the user's turns, oldest first. Entries that fail to
// decode are replaced with a system placeholder instead of being dropped.
func (s *ConversationStore) History(ctx context.Context, userID string) ([]ConversationTurn, error) {
	items, err := s.rdb.LRange(ctx, s.key(userID), 0, -1).Result()
	if err != nil {
		s.logger.Error("Failed to read conversation history", zap.Error(err), zap.String("user_id", userID))
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	turns := make([]ConversationTurn, 0, len(items))
	for _, item := range items {
		var turn ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil || turn.Role == "" {
			s.logger.Warn("Invalid history item, substituting placeholder", zap.String("user_id", userID))
			turns = append(turns, ConversationTurn{Role: RoleSystem, Content: "conversation history unavailable"})
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// AddTurn appends the question and answer as two entries, trims the list to
// the last HistoryLimit items (FIFO eviction) and renews the key's TTL.
// All four commands go through one pipeline so workers never interleave a
// partial append with a trim.
func (s *ConversationStore) AddTurn(ctx context.Context, userID, query, answer string) error {
	userTurn, err := json.Marshal(ConversationTurn{Role: RoleUser, Content: query})
	if err != nil {
		return fmt.Errorf("marshal user turn: %w", err)
	}
	assistantTurn, err := json.Marshal(ConversationTurn{Role: RoleAssistant, Content: answer})
	if err != nil {
		return fmt.Errorf("marshal assistant turn: %w", err)
	}

	key := s.key(userID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, userTurn)
	pipe.RPush(ctx, key, assistantTurn)
	pipe.LTrim(ctx, key, int64(-s.cfg.HistoryLimit), -1)
	pipe.Expire(ctx, key, s.cfg.HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to append conversation turn", zap.Error(err), zap.String("user_id", userID))
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LastAssistantTurn scans the history backward for the most recent
// assistant entry. ok is false when the user has none.
func (s *ConversationStore) LastAssistantTurn(ctx context.Context, userID string) (ConversationTurn, bool, error) {
	turns, err := s.History(ctx, userID)
	if err != nil {
		return ConversationTurn{}, false, err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleAssistant {
			return turns[i], true, nil
		}
	}
	return ConversationTurn{}, false, nil
}

// Clear drops the user's entire history.
func (s *ConversationStore) Clear(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.key(userID)).Err(); err != nil {
		s.logger.Error("Failed to clear conversation history", zap.Error(err), zap.String("user_id", userID))
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
