package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/ai"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/buffer"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/keepalive"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/metrics"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/pipeline"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/registry"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/server"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/store"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/whatsapp"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	conversations := store.NewConversationStore(rdb, cfg, logger)
	enablement := store.NewEnablementStore(rdb, logger)
	deadLetters := store.NewDeadLetterStore(rdb, logger)

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer, cfg, logger)
	gateway := ai.NewGateway(cfg, logger, pipelineMetrics)
	waClient := whatsapp.NewClient(cfg, logger)
	reg := registry.NewRegistry(enablement, cfg, logger)

	// The AI backend is essential; refuse to start if it never comes up.
	waitForAIService(gateway, logger)

	p := pipeline.New(cfg, logger, pipelineMetrics, gateway, conversations, deadLetters, waClient)
	msgBuffer := buffer.NewMessageBuffer(cfg, logger, pipelineMetrics, reg, conversations, p.EnqueueProcessing)
	p.SetSink(msgBuffer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The pipeline is not tied to the signal context: the final buffer flush
	// on shutdown still needs working stages. Close() drains them explicitly.
	p.Start()
	go reg.Run(ctx)
	go pipelineMetrics.Run(ctx)
	go keepalive.New(cfg, logger, gateway).Run(ctx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, p, reg, deadLetters, gateway, waClient, rdb)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	msgBuffer.FlushAll()
	p.Close()
}

// waitForAIService probes the AI backend with increasing waits and aborts
// startup when it never becomes healthy.
func waitForAIService(gateway *ai.Gateway, logger *log.Logger) {
	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if gateway.Healthy(context.Background()) {
			logger.Info("AI service connected successfully")
			return
		}
		logger.Warn("AI service is not healthy",
			zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts))
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * 10 * time.Second)
		}
	}
	logger.Fatal("Unable to connect to AI service, refusing to start")
}
