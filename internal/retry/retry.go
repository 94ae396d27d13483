package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Unbounded as MaxAttempts keeps retrying until fn succeeds, fails with a
// non-retryable error, or ctx is done.
const Unbounded = -1

// Options configures exponential backoff for retries.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Default backoff settings used when opts are zero/invalid.
var Default = Options{
	MaxAttempts:  5,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

type IsRetryableFunc func(error) bool

// Do executes fn with retries and exponential backoff until it succeeds,
// context is done, or attempts are exhausted. Returns the last error.
// fn receives the 1-based attempt number.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(ctx context.Context, attempt int) error) error {
	if opts.MaxAttempts == 0 || opts.MaxAttempts < Unbounded {
		opts.MaxAttempts = Default.MaxAttempts
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = Default.Multiplier
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = Default.MaxDelay
	}
	attempt := 0
	backoff := opts.InitialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		// Stop if not retryable or attempts exhausted.
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if opts.MaxAttempts != Unbounded && attempt >= opts.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if backoff <= 0 {
			continue
		}

		// Compute sleep with optional jitter.
		sleep := backoff
		if opts.Jitter {
			// +/-20% jitter.
			delta := float64(backoff) * 0.2
			j := (rng.Float64()*2 - 1) * delta
			sleep = time.Duration(math.Max(0, float64(backoff)+j))
		}
		// Cap delay.
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		// Next backoff with overflow guard and cap.
		next := time.Duration(float64(backoff) * opts.Multiplier)
		if next < backoff {
			next = backoff
		}
		backoff = next
		if backoff > opts.MaxDelay {
			backoff = opts.MaxDelay
		}
	}
}
