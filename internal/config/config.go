package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Port        string
	MetricsPort string

	RedisAddr     string
	RedisPassword string

	WhatsAppAPIURL     string
	WhatsAppAPIToken   string
	WebhookVerifyToken string

	AIServiceURL      string
	AIHealthURL       string
	AISystemMessage   string
	AITimeout         time.Duration
	AIPreflightHealth bool
	FallbackMessage   string
	ApologyMessage    string

	BufferQuietPeriod time.Duration

	HistoryLimit int
	HistoryTTL   time.Duration

	IntakeConcurrency     int
	ProcessingConcurrency int
	DeliveryConcurrency   int
	IntakeMaxAttempts     int
	ProcessingMaxAttempts int
	DeliveryMaxAttempts   int
	RetryBackoffBase      time.Duration
	ApologyMaxAttempts    int
	ApologyBackoff        time.Duration

	RegistryRefreshInterval time.Duration

	MaxMessageLength      int
	RateLimitDefaultWait  time.Duration
	RateLimitMaxResubmits int

	KeepAliveEnabled  bool
	KeepAliveURL      string
	KeepAliveInterval time.Duration

	JWTSecret string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		Port:        getEnv("PORT", "5000"),
		MetricsPort: getEnv("METRICS_PORT", "2112"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		WhatsAppAPIURL:     os.Getenv("WHATSAPP_API_URL"),
		WhatsAppAPIToken:   os.Getenv("WHATSAPP_API_TOKEN"),
		WebhookVerifyToken: os.Getenv("WHATSAPP_VERIFY_TOKEN"),

		AIServiceURL:      getEnv("AI_SERVICE_URL", "http://localhost:8000/rag/query"),
		AISystemMessage:   getEnv("AI_SYSTEM_MESSAGE", ""),
		AITimeout:         getEnvDuration("AI_TIMEOUT", 30*time.Second),
		AIPreflightHealth: getEnv("AI_PREFLIGHT_HEALTH", "") == "true",
		FallbackMessage:   getEnv("AI_FALLBACK_MESSAGE", "Estou com dificuldades no momento. Tente novamente em instantes."),
		ApologyMessage:    getEnv("APOLOGY_MESSAGE", "Desculpe, estamos com problemas técnicos. Por favor, tente novamente mais tarde."),

		BufferQuietPeriod: getEnvDuration("MESSAGE_BUFFER_TIMEOUT", 5*time.Second),

		HistoryLimit: getEnvInt("HISTORY_LIMIT", 6),
		HistoryTTL:   getEnvDuration("HISTORY_TTL", 14*24*time.Hour),

		IntakeConcurrency:     getEnvInt("INTAKE_CONCURRENCY", 50),
		ProcessingConcurrency: getEnvInt("PROCESSING_CONCURRENCY", 20),
		DeliveryConcurrency:   getEnvInt("DELIVERY_CONCURRENCY", 30),
		IntakeMaxAttempts:     getEnvInt("INTAKE_MAX_ATTEMPTS", 3),
		ProcessingMaxAttempts: getEnvInt("PROCESSING_MAX_ATTEMPTS", 3),
		DeliveryMaxAttempts:   getEnvInt("DELIVERY_MAX_ATTEMPTS", 3),
		RetryBackoffBase:      getEnvDuration("RETRY_BACKOFF_BASE", 1*time.Second),
		ApologyMaxAttempts:    getEnvInt("APOLOGY_MAX_ATTEMPTS", 2),
		ApologyBackoff:        getEnvDuration("APOLOGY_BACKOFF", 5*time.Second),

		RegistryRefreshInterval: getEnvDuration("REGISTRY_REFRESH_INTERVAL", 5*time.Minute),

		MaxMessageLength:      getEnvInt("MAX_MESSAGE_LENGTH", 4096),
		RateLimitDefaultWait:  getEnvDuration("RATE_LIMIT_DEFAULT_WAIT", 60*time.Second),
		RateLimitMaxResubmits: getEnvInt("RATE_LIMIT_MAX_RESUBMITS", 3),

		KeepAliveEnabled:  getEnv("KEEP_ALIVE_ENABLED", "") == "true",
		KeepAliveURL:      os.Getenv("KEEP_ALIVE_URL"),
		KeepAliveInterval: getEnvDuration("KEEP_ALIVE_INTERVAL", 14*time.Minute),

		JWTSecret: os.Getenv("JWT_SECRET"),
	}

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.WhatsAppAPIURL == "" {
		logger.Error("WHATSAPP_API_URL is required")
		return nil, fmt.Errorf("WHATSAPP_API_URL is required")
	}
	if cfg.WhatsAppAPIToken == "" {
		logger.Error("WHATSAPP_API_TOKEN is required")
		return nil, fmt.Errorf("WHATSAPP_API_TOKEN is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.HistoryLimit%2 != 0 {
		logger.Error("HISTORY_LIMIT must be even", zap.Int("value", cfg.HistoryLimit))
		return nil, fmt.Errorf("HISTORY_LIMIT must be even, got %d", cfg.HistoryLimit)
	}

	cfg.AIHealthURL = os.Getenv("AI_HEALTH_URL")
	if cfg.AIHealthURL == "" {
		healthURL, err := deriveHealthURL(cfg.AIServiceURL)
		if err != nil {
			logger.Error("Invalid AI_SERVICE_URL", zap.Error(err))
			return nil, fmt.Errorf("invalid AI_SERVICE_URL: %w", err)
		}
		cfg.AIHealthURL = healthURL
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

// deriveHealthURL maps the AI query endpoint to its liveness probe,
// e.g. https://host/rag/query -> https://host/health/ready.
func deriveHealthURL(serviceURL string) (string, error) {
	parsed, err := url.Parse(serviceURL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s/health/ready", parsed.Scheme, parsed.Host), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration reads a duration either as a Go duration string ("5s")
// or as plain milliseconds ("5000"), matching the legacy env format.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
