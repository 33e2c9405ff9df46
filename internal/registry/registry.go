package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"go.uber.org/zap"
)

const maxRefreshAttempts = 5

// Store is the persisted side of the enablement set.
type Store interface {
	Add(ctx context.Context, userIDs ...string) error
	Remove(ctx context.Context, userIDs ...string) error
	Members(ctx context.Context) ([]string, error)
}

// Registry mirrors the persisted enablement set in memory so IsEnabled is a
// synchronous map lookup on the hot path. Until the first successful load
// every user reads as disabled (fail-closed); after that the cache may be at
// most one refresh interval stale.
type Registry struct {
	store  Store
	cfg    *config.Config
	logger *log.Logger

	mu      sync.RWMutex
	enabled map[string]struct{}
	loaded  bool
}

func NewRegistry(store Store, cfg *config.Config, logger *log.Logger) *Registry {
	return &Registry{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		enabled: make(map[string]struct{}),
	}
}

// IsEnabled reads only the in-memory cache. Fail-closed before first load.
func (r *Registry) IsEnabled(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return false
	}
	_, ok := r.enabled[userID]
	return ok
}

// ListEnabled returns the cached membership, sorted for stable output.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.enabled))
	for id := range r.enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Enable persists the users and reconciles the cache eagerly. Enabling an
// already-enabled user is a no-op on the store (set semantics).
func (r *Registry) Enable(ctx context.Context, userIDs []string) error {
	if err := r.store.Add(ctx, userIDs...); err != nil {
		return fmt.Errorf("enable users: %w", err)
	}
	r.mu.Lock()
	for _, id := range userIDs {
		r.enabled[id] = struct{}{}
	}
	r.mu.Unlock()
	r.logger.Info("Enabled auto-reply", zap.Int("count", len(userIDs)))
	return nil
}

// Disable persists the removal and reconciles the cache eagerly.
func (r *Registry) Disable(ctx context.Context, userIDs []string) error {
	if err := r.store.Remove(ctx, userIDs...); err != nil {
		return fmt.Errorf("disable users: %w", err)
	}
	r.mu.Lock()
	for _, id := range userIDs {
		delete(r.enabled, id)
	}
	r.mu.Unlock()
	r.logger.Info("Disabled auto-reply", zap.Int("count", len(userIDs)))
	return nil
}

// Refresh replaces the cache with the persisted membership.
func (r *Registry) Refresh(ctx context.Context) error {
	members, err := r.store.Members(ctx)
	if err != nil {
		return fmt.Errorf("refresh enablement cache: %w", err)
	}
	next := make(map[string]struct{}, len(members))
	for _, id := range members {
		next[id] = struct{}{}
	}
	r.mu.Lock()
	r.enabled = next
	r.loaded = true
	r.mu.Unlock()
	return nil
}

// Run refreshes the cache on an interval. Each refresh is retried with
// increasing backoff; after maxRefreshAttempts the stale cache is kept and
// the failure is logged. The loop never crashes the process.
func (r *Registry) Run(ctx context.Context) {
	r.refreshWithRetry(ctx)

	ticker := time.NewTicker(r.cfg.RegistryRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Enablement registry shutting down")
			return
		case <-ticker.C:
			r.refreshWithRetry(ctx)
		}
	}
}

func (r *Registry) refreshWithRetry(ctx context.Context) {
	for attempt := 1; attempt <= maxRefreshAttempts; attempt++ {
		err := r.Refresh(ctx)
		if err == nil {
			return
		}
		r.logger.Error("Failed to refresh enablement cache",
			zap.Error(err), zap.Int("attempt", attempt))
		if attempt == maxRefreshAttempts {
			r.logger.Error("Keeping stale enablement cache after repeated refresh failures")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
}
