package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ops-notification-service/internal/logging"
)

// ErrAttemptsExhausted is wrapped by Retry once every attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Backoff describes a bounded attempt window and its per-attempt delay.
type Backoff struct {
	// First is the number of the first attempt to run (1-based).
	First         int
	MaxAttempts   int
	BaseDelay     time.Duration
	Exponential   bool
	// WaitFirst makes the first attempt wait its delay too. Otherwise it runs
	// immediately and only retries are delayed.
	WaitFirst     bool
	// BoundAttempts gives each attempt a context that expires after the next
	// attempt's delay.
	BoundAttempts bool
}

// Delay returns how long attempt waits before it runs. It never decreases
// as attempt grows.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 || b.BaseDelay <= 0 {
		return 0
	}
	if !b.Exponential {
		return b.BaseDelay * time.Duration(attempt)
	}
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Retry runs fn for attempts First..MaxAttempts. A retry k waits Delay(k)
// before running; see WaitFirst and BoundAttempts for the first attempt and
// attempt deadlines. The first success returns nil; ctx cancellation abandons
// the remaining attempts.
func Retry(ctx context.Context, logger *logging.Logger, b Backoff, fn func(ctx context.Context, attempt int) error) error {
	first := b.First
	if first < 1 {
		first = 1
	}
	var lastErr error
	for attempt := first; attempt <= b.MaxAttempts; attempt++ {
		if attempt > first || b.WaitFirst {
			if err := Wait(ctx, b.Delay(attempt)); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout := b.Delay(attempt + 1); b.BoundAttempts && timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(attemptCtx, attempt)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		logger.Warnf("Attempt %d/%d failed: %v", attempt, b.MaxAttempts, err)
	}
	if lastErr == nil {
		return fmt.Errorf("no attempts left (first=%d, max=%d): %w", first, b.MaxAttempts, ErrAttemptsExhausted)
	}
	return fmt.Errorf("failed after %d attempts: %w", b.MaxAttempts, errors.Join(ErrAttemptsExhausted, lastErr))
}

// Wait blocks for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
