package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/ai"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/pipeline"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/registry"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/store"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/whatsapp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	r *chi.Mux,
	cfg *config.Config,
	p *pipeline.Pipeline,
	reg *registry.Registry,
	deadLetters *store.DeadLetterStore,
	gateway *ai.Gateway,
	waClient *whatsapp.Client,
	rdb *redis.Client,
) {
	logger := log.NewLogger()

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Olá, eu sou o seu assistente virtual!"))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		aiHealthy := gateway.Healthy(r.Context())
		redisHealthy := rdb.Ping(r.Context()).Err() == nil

		status := http.StatusOK
		if !aiHealthy || !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    map[bool]string{true: "ok", false: "degraded"}[aiHealthy && redisHealthy],
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services": map[string]string{
				"api":   "healthy",
				"ai":    healthLabel(aiHealthy),
				"redis": healthLabel(redisHealthy),
			},
		})
	})

	r.Get("/webhook", func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		token := r.URL.Query().Get("hub.verify_token")
		challenge := r.URL.Query().Get("hub.challenge")
		if mode == "" || token == "" {
			logger.Warn("Missing webhook verification parameters")
			http.Error(w, "Missing parameters", http.StatusBadRequest)
			return
		}
		response, ok := waClient.VerifyWebhook(mode, token, challenge)
		if !ok {
			http.Error(w, "Verification failed", http.StatusForbidden)
			return
		}
		w.Write([]byte(response))
	})

	r.Post("/webhook", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Error("Failed to read webhook body", zap.Error(err))
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := p.SubmitWebhook(payload); err != nil {
			logger.Error("Failed to enqueue webhook payload", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		// The provider expects a fast 200; processing happens in the intake stage.
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/auto-reply/enable", func(w http.ResponseWriter, r *http.Request) {
			userIDs, ok := decodeUserIDs(w, r, logger)
			if !ok {
				return
			}
			if err := reg.Enable(r.Context(), userIDs); err != nil {
				logger.Error("Failed to enable auto-reply", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeStatusOK(w, fmt.Sprintf("Auto-reply enabled for %d users", len(userIDs)))
		})

		r.Post("/auto-reply/disable", func(w http.ResponseWriter, r *http.Request) {
			userIDs, ok := decodeUserIDs(w, r, logger)
			if !ok {
				return
			}
			if err := reg.Disable(r.Context(), userIDs); err != nil {
				logger.Error("Failed to disable auto-reply", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeStatusOK(w, fmt.Sprintf("Auto-reply disabled for %d users", len(userIDs)))
		})

		r.Get("/auto-reply/enabled", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(reg.ListEnabled()); err != nil {
				logger.Error("Failed to encode enabled users", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			records, err := deadLetters.List(r.Context(), limit)
			if err != nil {
				logger.Error("Failed to list dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(records); err != nil {
				logger.Error("Failed to encode dead letters", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Post("/dead-letters/delete", func(w http.ResponseWriter, r *http.Request) {
			var rec store.DeadLetterRecord
			if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
				logger.Error("Failed to decode dead letter delete request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := deadLetters.Remove(r.Context(), rec); err != nil {
				logger.Error("Failed to delete dead letter", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})
	})
}

func decodeUserIDs(w http.ResponseWriter, r *http.Request, logger *log.Logger) ([]string, bool) {
	var req struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("Failed to decode user IDs", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if len(req.UserIDs) == 0 {
		http.Error(w, "user_ids is required", http.StatusBadRequest)
		return nil, false
	}
	return req.UserIDs, true
}

func writeStatusOK(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"message": message,
	})
}

func healthLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsContextKey struct{}
