package state

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Retrier paces retries of a lock acquisition that returned WouldBlock:
// each call to Wait blocks for an exponentially increasing delay (capped
// at max), backed by a fresh rate.Limiter per attempt rather than a bare
// time.Sleep, so cancellation via ctx is honored mid-wait.
type Retrier struct {
	base time.Duration
	max  time.Duration
}

// NewRetrier builds a Retrier with the given base delay and cap.
func NewRetrier(base, max time.Duration) *Retrier {
	return &Retrier{base: base, max: max}
}

// Wait blocks for the delay appropriate to attempt (0-indexed), or until
// ctx is cancelled.
func (r *Retrier) Wait(ctx context.Context, attempt int) error {
	delay := r.base
	for i := 0; i < attempt && delay < r.max; i++ {
		delay *= 2
	}
	if delay > r.max {
		delay = r.max
	}
	if delay <= 0 {
		return nil
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	limiter.Allow() // spend the initial burst token so Wait actually pauses for delay
	return limiter.Wait(ctx)
}

// Do retries fn until it returns a non-WouldBlock result, backing off
// between attempts, or until ctx is cancelled or maxAttempts is reached.
func (r *Retrier) Do(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err != ErrWouldBlock {
			return err
		}
		if waitErr := r.Wait(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}
	return err
}
