package banksync

import (
	"context"
	"errors"
	"time"

	"moneymanager/internal/infrastructure/saltedge"
)

// Backoff is an exponential retry policy for transient provider failures.
// Attempt n (0-based) waits Base * 2^n, capped at Max.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// Delay returns the wait before retry number n, raised to hint when the
// provider asked for a longer pause.
func (b Backoff) Delay(n int, hint time.Duration) time.Duration {
	d := b.Base
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if hint > d {
		d = hint
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. A Retry-After hint longer than Max ends the loop
// early since waiting less would only be rejected again. onRetry, when set,
// is called before each wait.
func Retry(ctx context.Context, b Backoff, sleep SleepFunc, fn func(ctx context.Context) error, onRetry func(n int, delay time.Duration, err error)) error {
	if sleep == nil {
		sleep = sleepContext
	}
	for n := 0; ; n++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx, err)
		}

		var te *saltedge.TransientError
		if !errors.As(err, &te) || n >= b.MaxRetries {
			return err
		}
		if b.Max > 0 && te.RetryAfter > b.Max {
			return err
		}

		delay := b.Delay(n, te.RetryAfter)
		if onRetry != nil {
			onRetry(n+1, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return cancelled(ctx, serr)
		}
	}
}
