package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// calculateBackoff calculates exponential backoff with jitter. attempt
// counts from zero for the first retry.
func calculateBackoff(opts Options, attempt int, err error) time.Duration {
	baseDelay := opts.RetryBaseDelay

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay *= 5
	} else if IsConflict(err) {
		baseDelay *= 2
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	if delay > opts.RetryMaxDelay || delay <= 0 {
		delay = opts.RetryMaxDelay
	}

	// Add up to 12.5% random jitter
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.125)
	delay = delay + jitter

	return delay
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
