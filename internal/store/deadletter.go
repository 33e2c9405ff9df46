package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const deadLettersKey = "dead-letters"

// DeadLetterStore is the append-only list of deliveries that exhausted all
// retries. Records stay here until an operator inspects and removes them.
type DeadLetterStore struct {
	rdb    *redis.Client
	logger *log.Logger
}

func NewDeadLetterStore(rdb *redis.Client, logger *log.Logger) *DeadLetterStore {
	return &DeadLetterStore{
		rdb:    rdb,
		logger: logger,
	}
}

func (s *DeadLetterStore) Append(ctx context.Context, rec DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.rdb.RPush(ctx, deadLettersKey, data).Err(); err != nil {
		s.logger.Error("Failed to append dead letter", zap.Error(err), zap.String("user_id", rec.UserID))
		return fmt.Errorf("append dead letter: %w", err)
	}
	s.logger.Info("Appended dead letter",
		zap.String("user_id", rec.UserID),
		zap.String("reason", rec.FailureReason))
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	items, err := s.rdb.LRange(ctx, deadLettersKey, 0, int64(limit-1)).Result()
	if err != nil {
		s.logger.Error("Failed to list dead letters", zap.Error(err))
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	records := make([]DeadLetterRecord, 0, len(items))
	for _, item := range items {
		var rec DeadLetterRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			s.logger.Error("Failed to unmarshal dead letter", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Remove deletes the first stored record matching rec exactly.
func (s *DeadLetterStore) Remove(ctx context.Context, rec DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	removed, err := s.rdb.LRem(ctx, deadLettersKey, 1, data).Result()
	if err != nil {
		s.logger.Error("Failed to remove dead letter", zap.Error(err), zap.String("user_id", rec.UserID))
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("dead letter not found for user %s", rec.UserID)
	}
	s.logger.Info("Removed dead letter", zap.String("user_id", rec.UserID))
	return nil
}
