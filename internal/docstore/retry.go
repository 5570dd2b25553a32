package docstore

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/starford/formsync/internal/apperr"
)

// RetryPolicy controls retry-with-backoff for remote calls.
// The delay before attempt n+1 is BaseDelay*2^n plus a random jitter in [0, MaxJitter).
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxJitter time.Duration
}

// DefaultRetryPolicy returns three attempts with a 300ms base and up to 100ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 300 * time.Millisecond,
		MaxJitter: 100 * time.Millisecond,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxJitter > 0 {
		d += rand.N(p.MaxJitter)
	}
	return d
}

// retry runs op until it succeeds, fails permanently, or attempts run out.
// Exhausted retries surface as *apperr.TransientStoreError wrapping the last error.
func retry[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, opName string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if apperr.Permanent(err) || ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		wait := p.delay(attempt)
		logger.Debug("docstore: retrying",
			slog.String("op", opName),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		if err := sleepContext(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, &apperr.TransientStoreError{Op: opName, Err: lastErr}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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
