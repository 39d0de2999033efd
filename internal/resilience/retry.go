package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.25 = ±25%). Default: 0.25.
	JitterFraction float64

	// RequestTimeout bounds each individual attempt. Zero disables the
	// per-attempt timeout.
	RequestTimeout time.Duration

	// OnAttempt runs before every attempt, including retries. Strategies use
	// it to re-acquire a rate-limiter permit per attempt. An error aborts the
	// whole execution.
	OnAttempt func(ctx context.Context, attempt int) error

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns a sensible retry configuration for source calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// AttemptRecord captures one failed attempt for the exhaustion report.
type AttemptRecord struct {
	Attempt int           `json:"attempt"`
	Class   Class         `json:"class"`
	Error   string        `json:"error"`
	Delay   time.Duration `json:"delay"`
	At      time.Time     `json:"at"`
}

// ExhaustedError is returned when every allowed attempt failed with a
// retryable error. It carries the full attempt history.
type ExhaustedError struct {
	Attempts []AttemptRecord
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", len(e.Attempts), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do executes fn with classified retry logic. Permanent failures return
// immediately; transient and rate-limited failures retry up to MaxAttempts
// with backoff, then return an *ExhaustedError. Context cancellation stops
// retries at once.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute is like Do but preserves the return value from the successful call.
func Execute[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var history []AttemptRecord
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if cfg.OnAttempt != nil {
			if err := cfg.OnAttempt(ctx, attempt); err != nil {
				return zero, err
			}
		}

		val, err := runAttempt(ctx, cfg.RequestTimeout, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		class := Classify(err)
		delay := attemptDelay(attempt, class, err, cfg)
		history = append(history, AttemptRecord{
			Attempt: attempt + 1,
			Class:   class,
			Error:   err.Error(),
			Delay:   delay,
			At:      time.Now().UTC(),
		})

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if class == ClassPermanent {
			return zero, lastErr
		}
		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, &ExhaustedError{Attempts: history, Last: lastErr}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// attemptDelay picks the sleep before the next attempt. An explicit
// retry-after hint from the source overrides the computed backoff.
func attemptDelay(attempt int, class Class, err error, cfg RetryConfig) time.Duration {
	if class == ClassRateLimited {
		if hint := retryAfterHint(err); hint > 0 {
			if hint > cfg.MaxBackoff {
				return cfg.MaxBackoff
			}
			return hint
		}
	}
	return computeBackoff(attempt, cfg)
}

func retryAfterHint(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(strategy, target string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying source call",
			zap.String("strategy", strategy),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
