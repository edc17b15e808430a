// Package backoff provides retry strategies for transient storage failures.
package backoff

import (
	"context"
	"math"
	"time"
)

// FailureCategory tells whether an error is worth retrying.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

// Classifier categorizes an error.
type Classifier func(err error) FailureCategory

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// Default returns the ledger defaults for optimistic concurrency retries.
// 5ms, 10ms, 20ms, 40ms ... (Max 500ms, 8 attempts)
func Default(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = func(err error) FailureCategory {
			return CategoryTransient
		}
	}
	return &ExponentialBackoff{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		MaxAttempts:  8,
		Classifier:   classifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and max attempts not exceeded.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts-1 {
		return false
	}
	return s.Classifier(err) == CategoryTransient
}

// Retry runs fn until it succeeds, the strategy gives up, or ctx is done.
// The last error is returned.
func Retry(ctx context.Context, strategy RetryStrategy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !strategy.ShouldRetry(err, attempt) {
			return err
		}

		timer := time.NewTimer(strategy.GetDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
