package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ncerr "gopipe/internal/errors"
)

// BreakerState is where a Breaker sits.
type BreakerState int

const (
	// Closed lets every call through.
	Closed BreakerState = iota
	// Open rejects calls until the cooldown passes.
	Open
	// HalfOpen lets probes through to test recovery.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker fails fast once an upstream has refused Threshold calls in a
// row, so clients are dropped immediately rather than each waiting
// out a full retry loop.
type Breaker struct {
	// Threshold is the run of failures that opens the breaker (default 5).
	Threshold int
	// Cooldown is how long it stays open before probing (default 10s).
	Cooldown time.Duration
	// Probes is the run of successes in half-open that closes it
	// again (default 1).
	Probes int
	// OnChange, if set, is called under the lock on every transition.
	OnChange func(from, to BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// Execute runs fn unless the breaker is open.  A rejected call returns
// an error wrapping errors.ErrUpstreamDown without calling fn.  A call
// that ends in context.Canceled is not counted either way.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current run of failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	left := b.cooldown() - b.clock().Sub(b.openedAt)
	if left <= 0 {
		b.successes = 0
		b.move(HalfOpen)
		return nil
	}
	return fmt.Errorf("%w after %d failures, next probe in %v",
		ncerr.ErrUpstreamDown, b.failures, left.Round(time.Millisecond))
}

func (b *Breaker) record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == HalfOpen || b.failures >= b.threshold() {
			b.openedAt = b.clock()
			b.move(Open)
		}
		return
	}

	b.successes++
	if b.state == HalfOpen && b.successes < b.probes() {
		return
	}
	b.failures = 0
	b.move(Closed)
}

func (b *Breaker) move(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.OnChange != nil {
		b.OnChange(from, to)
	}
}

func (b *Breaker) threshold() int {
	if b.Threshold <= 0 {
		return 5
	}
	return b.Threshold
}

func (b *Breaker) cooldown() time.Duration {
	if b.Cooldown <= 0 {
		return 10 * time.Second
	}
	return b.Cooldown
}

func (b *Breaker) probes() int {
	if b.Probes <= 0 {
		return 1
	}
	return b.Probes
}

func (b *Breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}
