package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	// MaxAttempts is the maximum number of calls, including the first one
	MaxAttempts int
	// InitialBackoff is the wait before the second attempt
	InitialBackoff time.Duration
	// MaxBackoff caps the base delay. Zero means no cap.
	MaxBackoff time.Duration
	// Multiplier is the backoff multiplier for exponential backoff
	Multiplier float64
	// Jitter spreads each wait over delay*(1-Jitter) .. delay*(1+Jitter)
	Jitter float64
	// RetryableErrors decides if an error is worth another attempt. Nil retries everything.
	RetryableErrors func(error) bool
	// OnRetry is called before each wait
	OnRetry func(attempt int, wait time.Duration, err error)
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.3,
		RetryableErrors: func(err error) bool {
			return IsRetryable(err)
		},
	}
}

// RetryExhaustedError is returned once every attempt has failed
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("max attempts (%d) exceeded: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// RetryWithBackoff executes a function with exponential backoff retry logic
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	config.Jitter = 0
	return retry(ctx, config, fn)
}

// RetryWithBackoffAndJitter executes a function with exponential backoff and jitter
func RetryWithBackoffAndJitter(ctx context.Context, config RetryConfig, fn func() error) error {
	return retry(ctx, config, fn)
}

func retry(ctx context.Context, config RetryConfig, fn func() error) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	random := config.Rand
	if random == nil {
		random = rand.Float64
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if IsCancellation(err) {
			return err
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		backoff := calculateBackoff(attempt, config.InitialBackoff, config.MaxBackoff, config.Multiplier)
		wait := applyJitter(backoff, config.Jitter, random())
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return &RetryExhaustedError{Attempts: attempts, Last: lastErr}
}

// calculateBackoff calculates the backoff duration for a given attempt
func calculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if multiplier <= 0 {
		multiplier = 1
	}
	// initial * (multiplier ^ attempt)
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))

	if max > 0 && backoff > float64(max) {
		backoff = float64(max)
	}

	return time.Duration(backoff)
}

// applyJitter scales delay by a factor drawn from [1-jitter, 1+jitter)
func applyJitter(delay time.Duration, jitter, r float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	factor := 1 + jitter*(2*r-1)
	return time.Duration(float64(delay) * factor)
}
