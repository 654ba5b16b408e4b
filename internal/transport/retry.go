package transport

import (
	"context"
	"net"
	"time"

	ncerr "gopipe/internal/errors"
	"gopipe/internal/retry"
	"gopipe/util"
)

// RetryDialer retries transient dial failures of an inner Dialer and,
// when a Breaker is set, stops dialing an upstream that keeps refusing.
type RetryDialer struct {
	Inner   Dialer
	Backoff *retry.Backoff
	Breaker *retry.Breaker
	Logger  *util.Logger
}

// NewRetryDialer wraps inner with the default backoff and attempts
// tries in total.  attempts <= 1 disables retrying.
func NewRetryDialer(inner Dialer, attempts int, logger *util.Logger) *RetryDialer {
	b := retry.DefaultBackoff()
	b.MaxAttempts = attempts
	if attempts <= 1 {
		b.MaxAttempts = 1
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &RetryDialer{Inner: inner, Backoff: b, Breaker: &retry.Breaker{}, Logger: logger}
}

// Dial tries the inner dialer until it succeeds, fails with an error
// that errors.IsRetryable rejects, or the backoff gives up.
func (d *RetryDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var conn net.Conn
	attempt := func(n int) error {
		c, err := d.Inner.Dial(ctx, network, address)
		if err != nil {
			if !ncerr.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	run := func() error {
		if d.Backoff == nil {
			return attempt(1)
		}
		b := *d.Backoff
		b.OnRetry = func(n int, wait time.Duration, err error) {
			d.Logger.Debug("dial %s attempt %d failed, retrying in %v: %v", address, n, wait, err)
		}
		return b.Do(ctx, attempt)
	}

	var err error
	if d.Breaker != nil {
		err = d.Breaker.Execute(run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close closes the inner dialer.
func (d *RetryDialer) Close() error {
	return d.Inner.Close()
}
