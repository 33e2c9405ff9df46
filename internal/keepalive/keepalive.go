package keepalive

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/ai"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"go.uber.org/zap"
)

// KeepAlive periodically pings the app's own health endpoint and the AI
// backend so free-tier hosts do not idle both services to sleep.
type KeepAlive struct {
	cfg     *config.Config
	logger  *log.Logger
	gateway *ai.Gateway
	client  *http.Client
}

func New(cfg *config.Config, logger *log.Logger, gateway *ai.Gateway) *KeepAlive {
	return &KeepAlive{
		cfg:     cfg,
		logger:  logger,
		gateway: gateway,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (k *KeepAlive) Run(ctx context.Context) {
	if !k.cfg.KeepAliveEnabled {
		k.logger.Info("Keep-alive service is disabled")
		return
	}

	k.logger.Info("Keep-alive service starting",
		zap.Duration("interval", k.cfg.KeepAliveInterval))
	ticker := time.NewTicker(k.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Keep-alive service stopped")
			return
		case <-ticker.C:
			k.pingSelf(ctx)
			if !k.gateway.Healthy(ctx) {
				k.logger.Error("AI service keep-alive ping failed")
			}
		}
	}
}

func (k *KeepAlive) pingSelf(ctx context.Context) {
	if k.cfg.KeepAliveURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.cfg.KeepAliveURL+"/health", nil)
	if err != nil {
		return
	}
	resp, err := k.client.Do(req)
	if err != nil {
		k.logger.Error("App keep-alive ping failed", zap.Error(err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	k.logger.Debug("App keep-alive ping successful", zap.Int("status", resp.StatusCode))
}
