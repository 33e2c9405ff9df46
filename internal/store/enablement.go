package store

import (
	"context"
	"fmt"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const enabledUsersKey = "enabled_users"

// EnablementStore persists the set of users that accept automated replies.
// A Redis set makes enable/disable idempotent at the storage level.
type EnablementStore struct {
	rdb    *redis.Client
	logger *log.Logger
}

func NewEnablementStore(rdb *redis.Client, logger *log.Logger) *EnablementStore {
	return &EnablementStore{
		rdb:    rdb,
		logger: logger,
	}
}

func (s *EnablementStore) Add(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, enabledUsersKey, members...).Err(); err != nil {
		s.logger.Error("Failed to add enabled users", zap.Error(err))
		return fmt.Errorf("add enabled users: %w", err)
	}
	return nil
}

func (s *EnablementStore) Remove(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	if err := s.rdb.SRem(ctx, enabledUsersKey, members...).Err(); err != nil {
		s.logger.Error("Failed to remove enabled users", zap.Error(err))
		return fmt.Errorf("remove enabled users: %w", err)
	}
	return nil
}

func (s *EnablementStore) Members(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, enabledUsersKey).Result()
	if err != nil {
		s.logger.Error("Failed to list enabled users", zap.Error(err))
		return nil, fmt.Errorf("list enabled users: %w", err)
	}
	return members, nil
}
