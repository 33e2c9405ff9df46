package metrics

import (
	"context"
	"net/http"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/config"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PipelineMetrics exposes the observable signals of the message pipeline:
// buffer activity, per-stage job outcomes, delivery results and the AI
// circuit breaker state.
type PipelineMetrics struct {
	MessagesBuffered    prometheus.Counter
	BuffersFlushed      prometheus.Counter
	BuffersDiscarded    prometheus.Counter
	JobsSucceeded       *prometheus.CounterVec
	JobsRetried         *prometheus.CounterVec
	JobsExhausted       *prometheus.CounterVec
	DeliveriesSent      prometheus.Counter
	DeliveriesThrottled prometheus.Counter
	DeadLetters         prometheus.Counter
	AIFallbacks         prometheus.Counter
	BreakerState        prometheus.Gauge

	cfg    *config.Config
	logger *log.Logger
}

// NewPipelineMetrics registers all series on reg. main passes the default
// registerer; tests pass a fresh prometheus.NewRegistry().
func NewPipelineMetrics(reg prometheus.Registerer, cfg *config.Config, logger *log.Logger) *PipelineMetrics {
	m := &PipelineMetrics{
		MessagesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_messages_buffered_total",
			Help: "Inbound messages appended to a debounce buffer",
		}),
		BuffersFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_buffers_flushed_total",
			Help: "Debounce buffers flushed into the processing queue",
		}),
		BuffersDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_buffers_discarded_total",
			Help: "Debounce buffers dropped because auto-reply was disabled",
		}),
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_jobs_succeeded_total",
			Help: "Jobs completed successfully per pipeline stage",
		}, []string{"stage"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_jobs_retried_total",
			Help: "Job retries scheduled per pipeline stage",
		}, []string{"stage"}),
		JobsExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbot_jobs_exhausted_total",
			Help: "Jobs that ran out of attempts per pipeline stage",
		}, []string{"stage"}),
		DeliveriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_deliveries_sent_total",
			Help: "Messages accepted by the provider API",
		}),
		DeliveriesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_deliveries_throttled_total",
			Help: "Deliveries re-scheduled after a provider rate limit",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_dead_letters_total",
			Help: "Delivery jobs moved to the dead-letter list",
		}),
		AIFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbot_ai_fallbacks_total",
			Help: "Queries answered by the circuit breaker fallback",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbot_ai_breaker_state",
			Help: "AI circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		}),
		cfg:    cfg,
		logger: logger,
	}

	reg.MustRegister(
		m.MessagesBuffered,
		m.BuffersFlushed,
		m.BuffersDiscarded,
		m.JobsSucceeded,
		m.JobsRetried,
		m.JobsExhausted,
		m.DeliveriesSent,
		m.DeliveriesThrottled,
		m.DeadLetters,
		m.AIFallbacks,
		m.BreakerState,
	)
	return m
}

// Run serves /metrics on the dedicated metrics port until ctx is done.
func (m *PipelineMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    ":" + m.cfg.MetricsPort,
		Handler: mux,
	}

	go func() {
		m.logger.Info("Metrics server starting", zap.String("port", m.cfg.MetricsPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
