package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/log"
	"github.com/victortsrodrigues/whatsapp-ai-chatbot/internal/metrics"

	"go.uber.org/zap"
)

// ErrPermanent marks a failure that must not be retried. The job goes
// straight to the exhaustion path regardless of remaining attempts.
var ErrPermanent = errors.New("permanent job failure")

// ErrSuperseded marks a job whose outcome was handed off to a replacement
// job (e.g. a delayed re-submission after a rate limit). The stage counts
// neither success nor failure for it.
var ErrSuperseded = errors.New("job superseded by a replacement")

// Backoff is the retry delay policy of a stage. Exponential doubles the base
// per attempt with +/-20% jitter; Fixed always waits the base.
type Backoff struct {
	Base  time.Duration
	Fixed bool
}

// Delay returns the wait before re-running a job that has failed attempt
// times (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Fixed {
		return b.Base
	}
	base := b.Base * time.Duration(1<<(attempt-1))
	jitterFactor := 0.8 + (rand.Float64() * 0.4)
	return time.Duration(float64(base) * jitterFactor)
}

type Config struct {
	Name        string
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
	QueueSize   int
}

// envelope carries a payload together with its retry bookkeeping. Jobs
// submitted with an overridden policy (e.g. apology deliveries) keep that
// policy across retries and delayed re-submissions.
type envelope[T any] struct {
	payload     T
	attempt     int
	maxAttempts int
	backoff     Backoff
}

// Stage is one bounded worker pool of the pipeline. An accepted job runs to
// success or to exhaustion; exhausted jobs are handed to onExhausted exactly
// once, including jobs whose backoff retry can no longer be queued. Jobs
// never cross stages implicitly — the next stage only sees explicit
// submissions.
type Stage[T any] struct {
	cfg         Config
	logger      *log.Logger
	metrics     *metrics.PipelineMetrics
	handler     func(ctx context.Context, payload T) error
	onExhausted func(ctx context.Context, payload T, err error)

	mu     sync.Mutex
	closed bool
	jobs   chan envelope[T]
	wg     sync.WaitGroup
}

func NewStage[T any](
	cfg Config,
	logger *log.Logger,
	m *metrics.PipelineMetrics,
	handler func(ctx context.Context, payload T) error,
	onExhausted func(ctx context.Context, payload T, err error),
) *Stage[T] {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Stage[T]{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		handler:     handler,
		onExhausted: onExhausted,
		jobs:        make(chan envelope[T], cfg.QueueSize),
	}
}

// Start spawns the worker pool. Jobs submitted before Start simply queue up.
func (s *Stage[T]) Start() {
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Close stops accepting new work and drains the queue: every job already
// accepted still runs before Close returns. Handlers keep a live context
// through the drain so final deliveries are not cut off mid-flight.
func (s *Stage[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit enqueues a job under the stage's default retry policy.
func (s *Stage[T]) Submit(payload T) error {
	return s.SubmitWithPolicy(payload, s.cfg.MaxAttempts, s.cfg.Backoff)
}

// SubmitWithPolicy enqueues a job with its own attempt budget and backoff,
// independent of the stage defaults.
func (s *Stage[T]) SubmitWithPolicy(payload T, maxAttempts int, backoff Backoff) error {
	return s.enqueue(envelope[T]{
		payload:     payload,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	})
}

// SubmitAfter enqueues a job under the default policy once delay has elapsed.
func (s *Stage[T]) SubmitAfter(payload T, delay time.Duration) {
	s.submitLater(envelope[T]{
		payload:     payload,
		maxAttempts: s.cfg.MaxAttempts,
		backoff:     s.cfg.Backoff,
	}, delay)
}

// SubmitAfterWithPolicy is SubmitAfter with the job's own attempt budget and
// backoff, so re-scheduled jobs do not silently regain the stage defaults.
func (s *Stage[T]) SubmitAfterWithPolicy(payload T, delay time.Duration, maxAttempts int, backoff Backoff) {
	s.submitLater(envelope[T]{
		payload:     payload,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}, delay)
}

// submitLater enqueues env after delay. A delayed job that can no longer be
// accepted is routed to onExhausted rather than dropped.
func (s *Stage[T]) submitLater(env envelope[T], delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := s.enqueue(env); err != nil {
			s.logger.Error("Failed to submit delayed job, treating as exhausted",
				zap.Error(err), zap.String("stage", s.cfg.Name))
			if s.metrics != nil {
				s.metrics.JobsExhausted.WithLabelValues(s.cfg.Name).Inc()
			}
			if s.onExhausted != nil {
				s.onExhausted(context.Background(), env.payload, err)
			}
		}
	})
}

// enqueue refuses work once the stage is closed; the closed check and the
// channel send share the mutex with Close so a send on a closed channel is
// impossible. The send never blocks: a full queue is a submission error.
func (s *Stage[T]) enqueue(env envelope[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stage " + s.cfg.Name + " is shut down")
	}
	select {
	case s.jobs <- env:
		return nil
	default:
		return errors.New("stage " + s.cfg.Name + " queue is full")
	}
}

func (s *Stage[T]) worker() {
	defer s.wg.Done()
	for env := range s.jobs {
		s.run(env)
	}
}

func (s *Stage[T]) run(env envelope[T]) {
	err := s.handler(context.Background(), env.payload)
	if err == nil {
		if s.metrics != nil {
			s.metrics.JobsSucceeded.WithLabelValues(s.cfg.Name).Inc()
		}
		return
	}
	if errors.Is(err, ErrSuperseded) {
		return
	}

	env.attempt++
	if errors.Is(err, ErrPermanent) || env.attempt >= env.maxAttempts {
		s.logger.Error("Job exhausted all attempts",
			zap.Error(err),
			zap.String("stage", s.cfg.Name),
			zap.Int("attempts", env.attempt))
		if s.metrics != nil {
			s.metrics.JobsExhausted.WithLabelValues(s.cfg.Name).Inc()
		}
		if s.onExhausted != nil {
			s.onExhausted(context.Background(), env.payload, err)
		}
		return
	}

	delay := env.backoff.Delay(env.attempt)
	s.logger.Warn("Job failed, scheduling retry",
		zap.Error(err),
		zap.String("stage", s.cfg.Name),
		zap.Int("attempt", env.attempt),
		zap.Duration("backoff", delay))
	if s.metrics != nil {
		s.metrics.JobsRetried.WithLabelValues(s.cfg.Name).Inc()
	}
	// A retry that fires after the stage closed exhausts instead of vanishing.
	time.AfterFunc(delay, func() {
		if qerr := s.enqueue(env); qerr != nil {
			s.logger.Error("Failed to requeue job after backoff, treating as exhausted",
				zap.Error(qerr), zap.String("stage", s.cfg.Name))
			if s.metrics != nil {
				s.metrics.JobsExhausted.WithLabelValues(s.cfg.Name).Inc()
			}
			if s.onExhausted != nil {
				s.onExhausted(context.Background(), env.payload, err)
			}
		}
	})
}
