// Package relay bridges one upstream transport to a downstream sink.
//
// A Relay is built once and leased many times.  Each Relay owns a
// single worker goroutine for its whole life: the worker parks until
// Initialize binds a transport, drains whatever bytes the transport
// has buffered into one chunk at a time, and hands each chunk to the
// sink.  The lease owner writes the other direction with Send.
//
// Lifecycle, as driven by a pool:
//
//	New ──► parked ──Initialize──► ready ──EOF──► parked ...
//	                                 │
//	                       Cancel / Teardown ──► Reset ──► parked
//
// Destroy (see Factory) additionally terminates the worker.
package relay

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"gopipe/config"
	ncerr "gopipe/internal/errors"
	"gopipe/internal/metrics"
	"gopipe/util"
)

// State is the relay's lease state.
type State int

const (
	// StateUninitialized means no transport is bound; the worker is
	// parked.
	StateUninitialized State = iota
	// StateReady means a transport is bound and the worker is relaying.
	StateReady
	// StateClosed means the lease owner asked for teardown and the
	// transport is being (or has been) released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives what the relay reads from its transport.
type Sink interface {
	// CloseConnection asks the downstream side to end its connection.
	CloseConnection()
	// ForwardBinary delivers one chunk.  The relay does not reuse the
	// slice after the call.
	ForwardBinary(chunk []byte) error
}

// Endpoint is descriptive upstream metadata.  The relay never dials it.
type Endpoint struct {
	Host string
	Port int
}

// DefaultEndpoint is the label a relay carries outside of a lease.
var DefaultEndpoint = Endpoint{Host: config.DefaultRemoteHost, Port: config.DefaultRemotePort}

func (e Endpoint) String() string { return util.FormatAddr(e.Host, e.Port) }

// Options configures a single relay.  Diagnostics are per instance so
// relays with different settings can run side by side.
type Options struct {
	// LogText dumps every chunk as text at debug level.
	LogText bool
	// LogHex dumps every chunk as hex at debug level.
	LogHex bool
	// BufSize sizes the bufio reader and writer (default 32 KiB).
	BufSize int

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// binding is one lease's transport and sink.
type binding struct {
	lease     uint64
	transport io.ReadWriteCloser
	sink      Sink
	in        *bufio.Reader
	out       *bufio.Writer
	closed    bool // explicit Cancel/Teardown; failures after this are expected
	released  bool
}

// Relay is a pooled, reusable byte relay.  All methods are safe for
// concurrent use.
type Relay struct {
	opts Options
	log  *util.Logger
	m    *metrics.Collector

	mu       sync.Mutex
	state    State
	cur      *binding // non-nil iff state != StateUninitialized
	stale    *binding // detached after EOF/failure, awaiting Teardown
	endpoint Endpoint
	leases   uint64

	writeMu sync.Mutex

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

// New builds a relay and starts its worker, which parks immediately.
func New(opts Options) *Relay {
	if opts.BufSize <= 0 {
		opts.BufSize = config.DefaultBufSize
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	r := &Relay{
		opts:     opts,
		log:      opts.Logger,
		m:        opts.Metrics,
		endpoint: DefaultEndpoint,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// ── Configuration ────────────────────────────────────────────────────

// SetEndpoint labels the relay with the upstream it is bridging.
func (r *Relay) SetEndpoint(host string, port int) {
	r.mu.Lock()
	r.endpoint = Endpoint{Host: host, Port: port}
	r.mu.Unlock()
}

// Endpoint returns the current upstream label.
func (r *Relay) Endpoint() Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

// State returns the current lease state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the worker goroutine has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }

// ── Lease operations ─────────────────────────────────────────────────

// Initialize binds transport and sink and wakes the worker.
//
// On failure the sink (when non-nil) is asked to close, the relay
// stays unbound, and a *errors.SetupError is returned.
func (r *Relay) Initialize(transport io.ReadWriteCloser, sink Sink) error {
	err := r.bind(transport, sink)
	if err == nil {
		return nil
	}
	r.log.Warn("init failed: %v", err)
	r.m.SetupFailed()
	if sink != nil {
		sink.CloseConnection()
	}
	return err
}

func (r *Relay) bind(transport io.ReadWriteCloser, sink Sink) error {
	switch {
	case transport == nil:
		return ncerr.Setup("bind", fmt.Errorf("nil transport"))
	case sink == nil:
		return ncerr.Setup("bind", fmt.Errorf("nil sink"))
	}
	select {
	case <-r.quit:
		return ncerr.Setup("bind", ncerr.ErrRelayTerminated)
	default:
	}

	if nd, ok := transport.(interface{ SetNoDelay(bool) error }); ok {
		if err := nd.SetNoDelay(true); err != nil {
			return ncerr.Setup("nodelay", err)
		}
	}

	r.mu.Lock()
	if r.state != StateUninitialized {
		r.mu.Unlock()
		return ncerr.Setup("bind", ncerr.ErrAlreadyLeased)
	}
	stale := r.stale
	r.stale = nil
	r.leases++
	r.cur = &binding{
		lease:     r.leases,
		transport: transport,
		sink:      sink,
		in:        bufio.NewReaderSize(transport, r.opts.BufSize),
		out:       bufio.NewWriterSize(transport, r.opts.BufSize),
	}
	r.state = StateReady
	lease := r.leases
	ep := r.endpoint
	r.mu.Unlock()

	if stale != nil {
		r.release(stale)
	}

	r.log.Verbose("lease %d bound to %s", lease, ep)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Send writes payload upstream and flushes before returning.
//
// It fails with errors.ErrNotInitialized unless the relay is ready.
// A write failure after Cancel/Teardown is logged and swallowed.
func (r *Relay) Send(payload []byte) error {
	r.mu.Lock()
	if r.state != StateReady {
		r.mu.Unlock()
		return ncerr.ErrNotInitialized
	}
	b := r.cur
	r.mu.Unlock()

	r.dump("C", payload)

	r.writeMu.Lock()
	_, err := b.out.Write(payload)
	if err == nil {
		err = b.out.Flush()
	}
	r.writeMu.Unlock()

	if err == nil {
		r.m.BytesSent(len(payload))
		return nil
	}

	if _, closed := r.detach(b); closed {
		r.log.Debug("send after close: %v", err)
		return nil
	}
	r.log.Warn("send failed: %v", err)
	r.m.RecordError(err.Error())
	return ncerr.Wrap("write", r.Endpoint().String(), err)
}

// Cancel interrupts the current lease by closing its transport.  A
// read or write blocked on it fails and is treated as expected.  It
// never returns an error and may be called any number of times.
func (r *Relay) Cancel() {
	r.mu.Lock()
	b := r.cur
	if b == nil {
		b = r.stale
	}
	if b == nil {
		r.mu.Unlock()
		return
	}
	b.closed = true
	if r.state == StateReady {
		r.state = StateClosed
	}
	r.mu.Unlock()

	if err := b.transport.Close(); err != nil && !util.IsHarmless(err) {
		r.log.Debug("cancel: %v", err)
	}
}

// Teardown releases the input side, the output side and then the
// transport of any bound lease.  Errors are logged at debug level and
// never returned.
func (r *Relay) Teardown() {
	r.mu.Lock()
	var pending []*binding
	for _, b := range []*binding{r.cur, r.stale} {
		if b != nil {
			b.closed = true
			pending = append(pending, b)
		}
	}
	if r.state == StateReady {
		r.state = StateClosed
	}
	r.mu.Unlock()

	for _, b := range pending {
		r.release(b)
	}
}

// Reset returns the relay to its freshly constructed state.  Call it
// after Teardown; anything still bound is released first.
func (r *Relay) Reset() {
	r.mu.Lock()
	var pending []*binding
	for _, b := range []*binding{r.cur, r.stale} {
		if b != nil && !b.released {
			b.closed = true
			pending = append(pending, b)
		}
	}
	r.cur = nil
	r.stale = nil
	r.state = StateUninitialized
	r.endpoint = DefaultEndpoint
	r.mu.Unlock()

	for _, b := range pending {
		r.log.Debug("reset without teardown: releasing lease %d", b.lease)
		r.release(b)
	}
}

// Terminate stops the worker goroutine once it is parked.  A relay
// blocked in a read exits after that read fails, so call Teardown
// first.  Terminate is idempotent.
func (r *Relay) Terminate() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// ── Worker ───────────────────────────────────────────────────────────

func (r *Relay) run() {
	defer close(r.done)
	for {
		b := r.await()
		if b == nil {
			r.log.Debug("worker exiting")
			return
		}

		chunk, err := Drain(b.in)
		if err != nil {
			r.readFailed(b, err)
			continue
		}
		r.forward(b, chunk)
	}
}

// await parks until a lease is ready, or returns nil on Terminate.
func (r *Relay) await() *binding {
	for {
		select {
		case <-r.quit:
			return nil
		default:
		}

		r.mu.Lock()
		if r.state == StateReady {
			b := r.cur
			r.mu.Unlock()
			return b
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-r.quit:
			return nil
		}
	}
}

func (r *Relay) forward(b *binding, chunk []byte) {
	r.dump("S", chunk)
	r.m.ChunkForwarded(len(chunk))

	err := b.sink.ForwardBinary(chunk)
	if err == nil {
		return
	}
	current, closed := r.detach(b)
	if closed || !current {
		r.log.Debug("forward after close: %v", err)
		return
	}
	r.log.Warn("forward to sink failed: %v", err)
	r.m.RecordError(err.Error())
	b.sink.CloseConnection()
}

func (r *Relay) readFailed(b *binding, err error) {
	current, closed := r.detach(b)
	switch {
	case closed || !current:
		r.log.Debug("read after close (lease %d): %v", b.lease, err)
	case err == io.EOF:
		r.log.Verbose("upstream closed lease %d", b.lease)
		b.sink.CloseConnection()
	default:
		r.log.Warn("read failed (lease %d): %v", b.lease, err)
		r.m.RecordError(err.Error())
		b.sink.CloseConnection()
	}
}

// detach moves b out of the ready slot if it is still the current
// lease.  It reports whether b was current and whether its owner had
// already closed it.
func (r *Relay) detach(b *binding) (current, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed = b.closed
	if r.cur != b {
		return false, closed
	}
	r.cur = nil
	r.stale = b
	r.state = StateUninitialized
	return true, closed
}

// release closes b's input side, flushes and closes its output side,
// then closes the transport.
func (r *Relay) release(b *binding) {
	r.mu.Lock()
	if b.released {
		r.mu.Unlock()
		return
	}
	b.released = true
	r.mu.Unlock()

	if cr, ok := b.transport.(interface{ CloseRead() error }); ok {
		if err := cr.CloseRead(); err != nil {
			r.log.Debug("close input (lease %d): %v", b.lease, err)
		}
	}

	// Skip the flush when a Send is in flight; closing the transport
	// below unblocks it.
	if r.writeMu.TryLock() {
		if err := b.out.Flush(); err != nil {
			r.log.Debug("flush output (lease %d): %v", b.lease, err)
		}
		r.writeMu.Unlock()
	}
	if cw, ok := b.transport.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			r.log.Debug("close output (lease %d): %v", b.lease, err)
		}
	}

	if err := b.transport.Close(); err != nil {
		r.log.Debug("close transport (lease %d): %v", b.lease, err)
	}
}

// dump writes chunk diagnostics.  dir is "S" for upstream→sink and
// "C" for client→upstream.
func (r *Relay) dump(dir string, data []byte) {
	if !r.opts.LogText && !r.opts.LogHex {
		return
	}
	if !r.log.Enabled(util.LogDebug) {
		return
	}
	if r.opts.LogText {
		r.log.Debug("%s:Text: %s", dir, util.PrintableText(data))
	}
	if r.opts.LogHex {
		r.log.Debug("%s:Hex : %s", dir, util.HexEncode(data))
	}
}
