package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig configures exponential-backoff retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, fraction of delay to randomize
}

// SourceClientRetryConfig matches §4.1: base 1s, factor 2, jitter, max 6 attempts.
func SourceClientRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  6,
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// SchedulerStepRetryConfig matches §4.8: base 2s, factor 2, max 5 attempts.
func SchedulerStepRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// RetryAfterAware is implemented by errors that carry a server-provided
// retry-after duration (e.g. a 429 or 503 response).
type RetryAfterAware interface {
	RetryAfter() (time.Duration, bool)
}

// Retry executes fn with exponential backoff. fn's error is inspected for a
// RetryAfterAware duration before falling back to the configured backoff
// schedule; the server's hint always wins when present.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts-1 {
			wait := delay
			var ra RetryAfterAware
			if errors.As(err, &ra) {
				if d, ok := ra.RetryAfter(); ok && d > 0 {
					wait = d
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(wait, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

// PermanentError wraps an error that Retry must never retry (a FatalError in
// the pipeline's error taxonomy).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err so Retry stops immediately instead of exhausting its
// attempt budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
