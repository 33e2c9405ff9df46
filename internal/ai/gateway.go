package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/metrics"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Response is the AI backend's answer payload.
type Response struct {
	Response string `json:"response"`
}

type request struct {
	Query         string                   `json:"query"`
	UserID        string                   `json:"user_id"`
	History       []store.ConversationTurn `json:"history"`
	SystemMessage *string                  `json:"system_message"`
}

// Gateway wraps the outbound AI call with a process-wide circuit breaker.
// While the breaker is open every query short-circuits to the configured
// fallback text instead of hitting the network.
type Gateway struct {
	client  *http.Client
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.PipelineMetrics
	cb      *gobreaker.CircuitBreaker
}

func NewGateway(cfg *config.Config, logger *log.Logger, m *metrics.PipelineMetrics) *Gateway {
	g := &Gateway{
		client:  &http.Client{Timeout: cfg.AITimeout},
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-gateway",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("AI circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if m != nil {
				m.BreakerState.Set(breakerStateValue(to))
			}
		},
	})
	return g
}

// Query sends the combined message with the user's history to the AI
// backend. When the breaker is open it returns the fallback response with a
// nil error, so the processing stage does not burn retries against a
// dependency that is known to be down.
func (g *Gateway) Query(ctx context.Context, text, userID string, history []store.ConversationTurn) (Response, error) {
	if g.cfg.AIPreflightHealth && !g.Healthy(ctx) {
		g.logger.Error("AI service preflight health check failed", zap.String("user_id", userID))
		return Response{}, &Error{StatusCode: http.StatusServiceUnavailable, Detail: "AI service unhealthy"}
	}

	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.doQuery(ctx, text, userID, history)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger.Warn("AI circuit breaker open, returning fallback response",
				zap.String("user_id", userID))
			if g.metrics != nil {
				g.metrics.AIFallbacks.Inc()
			}
			return Response{Response: g.cfg.FallbackMessage}, nil
		}
		return Response{}, err
	}
	return result.(Response), nil
}

func (g *Gateway) doQuery(ctx context.Context, text, userID string, history []store.ConversationTurn) (Response, error) {
	var systemMessage *string
	if g.cfg.AISystemMessage != "" {
		systemMessage = &g.cfg.AISystemMessage
	}
	if history == nil {
		history = []store.ConversationTurn{}
	}

	body, err := json.Marshal(request{
		Query:         text,
		UserID:        userID,
		History:       history,
		SystemMessage: systemMessage,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal AI request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.AIServiceURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build AI request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Error("AI service request failed", zap.Error(err), zap.String("user_id", userID))
		return Response{}, fmt.Errorf("AI request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read AI response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Error("AI service returned error status",
			zap.Int("status", resp.StatusCode), zap.String("user_id", userID))
		return Response{}, &Error{StatusCode: resp.StatusCode, Detail: truncate(string(payload), 200)}
	}
	if len(payload) == 0 {
		return Response{}, &Error{StatusCode: http.StatusBadGateway, Detail: "empty response from AI service"}
	}

	var parsed struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil || parsed.Response == nil {
		return Response{}, &Error{StatusCode: http.StatusBadGateway, Detail: "invalid AI response format"}
	}
	if strings.TrimSpace(*parsed.Response) == "" {
		return Response{}, &Error{StatusCode: http.StatusBadGateway, Detail: "blank AI response"}
	}

	return Response{Response: *parsed.Response}, nil
}

// Healthy probes the AI backend's liveness endpoint.
func (g *Gateway) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.AIHealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Error("AI service health check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// State reports the breaker state, mostly for the health endpoint.
func (g *Gateway) State() gobreaker.State {
	return g.cb.State()
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
