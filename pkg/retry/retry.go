// Package retry provides a bounded, fixed-delay retry combinator for reads that
// must observe a prior write on an eventually consistent store.
package retry

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultAttempts is the read-after-write retry budget.
	DefaultAttempts = 5
	// DefaultDelay is the fixed pause between attempts. No backoff: the store
	// contract promises convergence within a short, roughly constant window.
	DefaultDelay = 200 * time.Millisecond
)

// Until runs fn up to attempts times, sleeping delay between tries. It returns
// nil on the first success, or the last error once the budget is exhausted.
func Until(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry aborted after %d of %d attempts: %w", i, attempts, ctx.Err())
			}
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}
