package relay

import (
	"fmt"
	"sync/atomic"
)

// Factory is the lifecycle contract a pool drives: it creates relays,
// validates them on checkout, passivates them on return and destroys
// them on eviction.
type Factory struct {
	opts Options
	seq  atomic.Int64
}

// NewFactory returns a Factory whose relays share opts.  Each relay
// gets its own named logger.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

// Create builds a relay whose worker is already running and parked.
func (f *Factory) Create() (*Relay, error) {
	id := f.seq.Add(1)
	opts := f.opts
	if opts.Logger != nil {
		opts.Logger = opts.Logger.Named(fmt.Sprintf("relay-%d", id))
	}
	r := New(opts)
	opts.Metrics.RelayCreated()
	return r, nil
}

// Validate reports whether r can be leased.  Only a nil relay is
// rejected; liveness is not probed.
func (f *Factory) Validate(r *Relay) bool {
	return r != nil
}

// Passivate tears r down and resets it for the next lease.
func (f *Factory) Passivate(r *Relay) error {
	if r == nil {
		return nil
	}
	r.Teardown()
	r.Reset()
	return nil
}

// Destroy passivates r and stops its worker.
func (f *Factory) Destroy(r *Relay) error {
	if r == nil {
		return nil
	}
	if err := f.Passivate(r); err != nil {
		return err
	}
	r.Terminate()
	f.opts.Metrics.RelayDestroyed()
	return nil
}

// IsPoolable reports that relays are meant to be reused.
func (f *Factory) IsPoolable() bool { return true }
