// Package pool keeps reusable objects parked between leases.
//
// A Pool does not know what it holds; a Lifecycle supplies creation,
// validation, passivation and destruction.  Idle objects are handed
// out first-in first-out so every parked object sees regular use.
package pool

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"gopipe/config"
	ncerr "gopipe/internal/errors"
	"gopipe/util"
)

// Lifecycle is the contract a Pool drives.
type Lifecycle[T any] interface {
	// Create builds a new object ready to be leased.
	Create() (T, error)
	// Validate is called on checkout; false discards the object.
	Validate(T) bool
	// Passivate cleans an object on return so it can be re-leased.
	Passivate(T) error
	// Destroy releases an object for good.
	Destroy(T) error
}

// Config bounds a Pool.
type Config struct {
	// MaxIdle is how many passivated objects are kept.  Zero means
	// config.DefaultPoolMaxIdle; negative keeps none.
	MaxIdle int
	// MaxActive caps objects on lease at once (0 = unbounded).
	MaxActive int
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Idle      int
	Active    int
	Created   int64
	Destroyed int64
	Borrowed  int64
}

// Pool is a bounded pool of T.  All methods are safe for concurrent use.
type Pool[T any] struct {
	lc      Lifecycle[T]
	maxIdle int
	maxAct  int
	log     *util.Logger

	mu     sync.Mutex
	idle   *queue.Queue
	active int
	closed bool
	stats  Stats
}

// New returns an empty pool.  Objects are created lazily by Borrow or
// eagerly by Prefill.
func New[T any](lc Lifecycle[T], cfg Config, logger *util.Logger) *Pool[T] {
	maxIdle := cfg.MaxIdle
	switch {
	case maxIdle == 0:
		maxIdle = config.DefaultPoolMaxIdle
	case maxIdle < 0:
		maxIdle = 0
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Pool[T]{
		lc:      lc,
		maxIdle: maxIdle,
		maxAct:  cfg.MaxActive,
		log:     logger,
		idle:    queue.New(),
	}
}

// Prefill creates objects until n are idle (capped at MaxIdle).
func (p *Pool[T]) Prefill(n int) error {
	if n > p.maxIdle {
		n = p.maxIdle
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ncerr.ErrPoolClosed
		}
		if p.idle.Length() >= n {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		x, err := p.lc.Create()
		if err != nil {
			return fmt.Errorf("pool prefill: %w", err)
		}

		p.mu.Lock()
		p.stats.Created++
		if p.closed {
			p.mu.Unlock()
			p.destroy(x)
			return ncerr.ErrPoolClosed
		}
		p.idle.Add(x)
		p.mu.Unlock()
	}
}

// Borrow leases an idle object, creating one when none is parked.  It
// returns errors.ErrPoolExhausted at the MaxActive limit.
func (p *Pool[T]) Borrow() (T, error) {
	var zero T
	for {
		x, ok, err := p.takeIdle()
		if err != nil {
			return zero, err
		}
		if !ok {
			break
		}
		if p.lc.Validate(x) {
			return x, nil
		}
		p.log.Debug("pool: discarding invalid idle object")
		p.drop(x)
	}

	x, err := p.lc.Create()
	if err != nil {
		p.mu.Lock()
		p.active--
		p.stats.Borrowed--
		p.mu.Unlock()
		return zero, fmt.Errorf("pool create: %w", err)
	}
	p.mu.Lock()
	p.stats.Created++
	p.mu.Unlock()
	return x, nil
}

// takeIdle reserves an active slot.  ok reports whether an idle object
// came with it; when false the caller must create one.
func (p *Pool[T]) takeIdle() (x T, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return x, false, ncerr.ErrPoolClosed
	}
	if p.maxAct > 0 && p.active >= p.maxAct {
		return x, false, ncerr.ErrPoolExhausted
	}
	if p.idle.Length() > 0 {
		x = p.idle.Remove().(T)
		p.active++
		p.stats.Borrowed++
		return x, true, nil
	}
	p.active++
	p.stats.Borrowed++
	return x, false, nil
}

// Return passivates x and parks it for the next Borrow.  Objects that
// fail to passivate, or that do not fit under MaxIdle, are destroyed.
func (p *Pool[T]) Return(x T) error {
	if err := p.lc.Passivate(x); err != nil {
		p.log.Debug("pool: passivate failed: %v", err)
		p.drop(x)
		return fmt.Errorf("pool passivate: %w", err)
	}

	p.mu.Lock()
	p.active--
	if p.closed || p.idle.Length() >= p.maxIdle {
		p.mu.Unlock()
		return p.destroy(x)
	}
	p.idle.Add(x)
	p.mu.Unlock()
	return nil
}

// Invalidate destroys a leased object instead of returning it.
func (p *Pool[T]) Invalidate(x T) error {
	return p.drop(x)
}

// Close destroys every idle object.  Leased objects are destroyed as
// they come back.  Further Borrow calls fail with errors.ErrPoolClosed.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var parked []T
	for p.idle.Length() > 0 {
		parked = append(parked, p.idle.Remove().(T))
	}
	p.mu.Unlock()

	var errs []error
	for _, x := range parked {
		if err := p.destroy(x); err != nil {
			errs = append(errs, err)
		}
	}
	return ncerr.Join(errs...)
}

// Stats returns current pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = p.idle.Length()
	s.Active = p.active
	return s
}

func (p *Pool[T]) drop(x T) error {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	return p.destroy(x)
}

func (p *Pool[T]) destroy(x T) error {
	err := p.lc.Destroy(x)
	p.mu.Lock()
	p.stats.Destroyed++
	p.mu.Unlock()
	if err != nil {
		p.log.Debug("pool: destroy failed: %v", err)
		return fmt.Errorf("pool destroy: %w", err)
	}
	return nil
}
