// Package retry paces repeated attempts at an upstream and stops
// hammering it once it is clearly down.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gopipe/config"
)

// PermanentError stops a Backoff loop on the first attempt that
// returns it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff retries an operation with exponentially growing pauses.
type Backoff struct {
	// InitialDelay is the pause after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps any single pause.
	MaxDelay time.Duration
	// Multiplier grows the pause after each failure (default 2).
	Multiplier float64
	// MaxAttempts counts every try including the first; 0 retries
	// until the context ends.
	MaxAttempts int
	// Jitter spreads each pause by up to a quarter either way.
	Jitter bool
	// OnRetry, if set, sees each failure that will be retried.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultBackoff is tuned for dialing an upstream on behalf of a
// waiting client: a few quick tries, then give up.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: config.DefaultDialBackoff,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		MaxAttempts:  config.DefaultDialAttempts,
		Jitter:       true,
	}
}

// Do calls fn until it returns nil, returns a Permanent error, the
// attempt budget runs out, or ctx ends.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = config.DefaultDialBackoff
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = jitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, wait, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * mult)
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	q := float64(d) / 4
	v := float64(d) + rand.Float64()*2*q - q
	return time.Duration(math.Max(v, float64(time.Millisecond)))
}
