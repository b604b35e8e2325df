package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/talentkit/entitlement/core"
)

// Config holds the configuration for the retry executor.
// All values are externally configurable; zero values fall back to defaults.
type Config struct {
	MaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	InitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"1s"`
	MaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"30s"`
	Multiplier      float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	JitterFactor    float64       `env:"RETRY_JITTER_FACTOR" envDefault:"0.1"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.1,
	}
}

// Strategy returns the backoff strategy derived from the config.
func (c Config) Strategy() BackoffStrategy {
	return ExponentialBackoff{
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
		JitterFactor:    c.JitterFactor,
	}
}

// Executor drives a fallible operation through bounded retries with backoff.
// Only operations known safe to repeat should go through an Executor; the
// circuit breaker handles cross-call gating separately.
type Executor struct {
	cfg     Config
	backoff BackoffStrategy
	log     *slog.Logger
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg Config, log *slog.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		backoff: cfg.Strategy(),
		log:     log,
	}
}

// Do executes fn with retry on retryable errors. It returns nil on the first
// success, the original error for non-retryable failures, and the last error
// wrapped with ErrMaxAttemptsExceeded once attempts are exhausted. Backoff
// sleeps respect context cancellation.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				e.log.InfoContext(ctx, "operation succeeded after retry",
					slog.String("operation", op),
					slog.Int("attempt", attempt))
			}
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := e.backoff.NextInterval(attempt)
		e.log.WarnContext(ctx, "operation failed, retrying",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.cfg.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}

	return fmt.Errorf("%w (%d): %w", ErrMaxAttemptsExceeded, e.cfg.MaxAttempts, lastErr)
}

// IsRetryable determines if an error is worth retrying. Transient dependency
// failures and network-level timeouts qualify; context cancellation and
// validation failures never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if core.IsRetryable(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	return false
}
