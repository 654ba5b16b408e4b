package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ncerr "gopipe/internal/errors"
	"gopipe/internal/metrics"
	"gopipe/util"
)

const waitFor = 2 * time.Second

// ── test doubles ─────────────────────────────────────────────────────

type recordingSink struct {
	mu        sync.Mutex
	chunks    [][]byte
	closes    int
	forwarded chan []byte
	closed    chan struct{}
	err       error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		forwarded: make(chan []byte, 64),
		closed:    make(chan struct{}, 8),
	}
}

func (s *recordingSink) CloseConnection() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.closed <- struct{}{}
}

func (s *recordingSink) ForwardBinary(chunk []byte) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	err := s.err
	s.mu.Unlock()
	s.forwarded <- chunk
	return err
}

func (s *recordingSink) counts() (chunks, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.closes
}

func (s *recordingSink) nextChunk(t *testing.T) []byte {
	t.Helper()
	select {
	case c := <-s.forwarded:
		return c
	case <-time.After(waitFor):
		t.Fatal("no chunk forwarded")
		return nil
	}
}

func (s *recordingSink) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitFor):
		t.Fatal("sink was not closed")
	}
}

// stuckTransport blocks reads until the test releases them and fails
// every write.
type stuckTransport struct {
	release  chan error
	writeErr error

	mu     sync.Mutex
	closes int
}

func newStuckTransport() *stuckTransport {
	return &stuckTransport{release: make(chan error, 1), writeErr: errors.New("broken pipe")}
}

func (s *stuckTransport) Read([]byte) (int, error)    { return 0, <-s.release }
func (s *stuckTransport) Write(p []byte) (int, error) { return 0, s.writeErr }
func (s *stuckTransport) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// hangingTransport blocks reads and writes until Close.
type hangingTransport struct {
	reading chan struct{}
	entered chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newHangingTransport() *hangingTransport {
	return &hangingTransport{
		reading: make(chan struct{}, 1),
		entered: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (h *hangingTransport) Read([]byte) (int, error) {
	select {
	case h.reading <- struct{}{}:
	default:
	}
	<-h.closed
	return 0, net.ErrClosed
}

func (h *hangingTransport) Write([]byte) (int, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.closed
	return 0, io.ErrClosedPipe
}

func (h *hangingTransport) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	r := New(opts)
	t.Cleanup(func() {
		r.Teardown()
		r.Reset()
		r.Terminate()
	})
	return r
}

// ── Send ─────────────────────────────────────────────────────────────

func TestSend_FreshRelayNotInitialized(t *testing.T) {
	r := newRelay(t, Options{})

	for _, payload := range [][]byte{nil, {}, []byte("x"), bytes.Repeat([]byte("y"), 1<<16)} {
		assert.ErrorIs(t, r.Send(payload), ncerr.ErrNotInitialized)
	}
	assert.Equal(t, StateUninitialized, r.State())
}

func TestSend_WritesAndFlushes(t *testing.T) {
	m := metrics.New()
	r := newRelay(t, Options{Metrics: m})
	peer, conn := net.Pipe()
	defer peer.Close()

	require.NoError(t, r.Initialize(conn, newRecordingSink()))

	payload := []byte{0x00, 0x01, 0xfe, 0xff, 'h', 'i'}
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		io.ReadFull(peer, buf) //nolint:errcheck
		got <- buf
	}()

	require.NoError(t, r.Send(payload))
	select {
	case b := <-got:
		assert.Equal(t, payload, b)
	case <-time.After(waitFor):
		t.Fatal("payload not flushed")
	}
	assert.EqualValues(t, len(payload), m.TotalBytesSent())
}

func TestSend_ZeroLengthWhileReady(t *testing.T) {
	r := newRelay(t, Options{})
	peer, conn := net.Pipe()
	defer peer.Close()

	require.NoError(t, r.Initialize(conn, newRecordingSink()))
	assert.NoError(t, r.Send(nil))
}

func TestSend_WriteFailureSurfaces(t *testing.T) {
	tr := newStuckTransport()
	t.Cleanup(func() { tr.release <- io.EOF })
	r := newRelay(t, Options{})
	r.SetEndpoint("10.1.2.3", 5432)

	require.NoError(t, r.Initialize(tr, newRecordingSink()))

	err := r.Send([]byte("x"))
	var ne *ncerr.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "write", ne.Op)
	assert.Equal(t, "10.1.2.3:5432", ne.Addr)
	assert.Equal(t, StateUninitialized, r.State())
	assert.ErrorIs(t, r.Send([]byte("x")), ncerr.ErrNotInitialized)
}

func TestSend_WriteFailureAfterCancelIsSwallowed(t *testing.T) {
	tr := newHangingTransport()
	r := newRelay(t, Options{})
	require.NoError(t, r.Initialize(tr, newRecordingSink()))

	done := make(chan error, 1)
	go func() { done <- r.Send([]byte("stuck")) }()

	select {
	case <-tr.entered:
	case <-time.After(waitFor):
		t.Fatal("send never reached the transport")
	}
	r.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("cancel did not unblock send")
	}
}

// ── Read loop ────────────────────────────────────────────────────────

func TestRelay_ForwardsBufferedBytesAsOneChunk(t *testing.T) {
	r := newRelay(t, Options{})
	sink := newRecordingSink()
	peer, conn := net.Pipe()
	defer peer.Close()

	require.NoError(t, r.Initialize(conn, sink))

	_, err := peer.Write([]byte{0x41, 0x42, 0x43})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x41, 0x42, 0x43}, sink.nextChunk(t))
	chunks, closes := sink.counts()
	assert.Equal(t, 1, chunks)
	assert.Equal(t, 0, closes)
}

func TestRelay_ForwardsSingleByte(t *testing.T) {
	r := newRelay(t, Options{})
	sink := newRecordingSink()
	peer, conn := net.Pipe()
	defer peer.Close()

	require.NoError(t, r.Initialize(conn, sink))

	_, err := peer.Write([]byte{0x7f})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x7f}, sink.nextChunk(t))
}

func TestRelay_EndOfStreamClosesSinkOnce(t *testing.T) {
	r := newRelay(t, Options{})
	sink := newRecordingSink()
	peer, conn := net.Pipe()

	require.NoError(t, r.Initialize(conn, sink))
	peer.Close()

	sink.waitClosed(t)
	assert.Eventually(t, func() bool { return r.State() == StateUninitialized }, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	chunks, closes := sink.counts()
	assert.Equal(t, 0, chunks)
	assert.Equal(t, 1, closes)
	assert.ErrorIs(t, r.Send([]byte("late")), ncerr.ErrNotInitialized)
}

func TestRelay_ReleasableAfterEndOfStream(t *testing.T) {
	r := newRelay(t, Options{})

	first := newRecordingSink()
	peer1, conn1 := net.Pipe()
	require.NoError(t, r.Initialize(conn1, first))
	peer1.Close()
	first.waitClosed(t)
	require.Eventually(t, func() bool { return r.State() == StateUninitialized }, waitFor, 5*time.Millisecond)

	// No passivate: the relay is leaseable again straight away.
	second := newRecordingSink()
	peer2, conn2 := net.Pipe()
	defer peer2.Close()
	require.NoError(t, r.Initialize(conn2, second))

	_, err := peer2.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), second.nextChunk(t))
}

func TestRelay_ReadErrorAfterCancelIsQuiet(t *testing.T) {
	out := &lockedBuffer{}
	log := util.NewLogger(1)
	log.SetOutput(out)
	m := metrics.New()

	r := newRelay(t, Options{Logger: log, Metrics: m})
	sink := newRecordingSink()
	tr := newHangingTransport()
	require.NoError(t, r.Initialize(tr, sink))

	select {
	case <-tr.reading:
	case <-time.After(waitFor):
		t.Fatal("worker never started reading")
	}
	r.Cancel()
	assert.Eventually(t, func() bool { return r.State() == StateUninitialized }, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, closes := sink.counts()
	assert.Equal(t, 0, closes)
	assert.Zero(t, m.ErrorCount())
	assert.NotContains(t, out.String(), "[WRN]")
}

func TestRelay_UnexpectedReadErrorIsReported(t *testing.T) {
	out := &lockedBuffer{}
	log := util.NewLogger(1)
	log.SetOutput(out)
	m := metrics.New()

	r := newRelay(t, Options{Logger: log, Metrics: m})
	sink := newRecordingSink()
	tr := newStuckTransport()
	require.NoError(t, r.Initialize(tr, sink))

	tr.release <- errors.New("connection reset by gremlins")

	sink.waitClosed(t)
	assert.Eventually(t, func() bool { return m.ErrorCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Contains(t, out.String(), "[WRN]")
	assert.Contains(t, out.String(), "gremlins")
	assert.Equal(t, StateUninitialized, r.State())
}

func TestRelay_SinkFailureEndsLease(t *testing.T) {
	r := newRelay(t, Options{})
	sink := newRecordingSink()
	sink.err = errors.New("client gone")
	peer, conn := net.Pipe()
	defer peer.Close()

	require.NoError(t, r.Initialize(conn, sink))
	_, err := peer.Write([]byte("x"))
	require.NoError(t, err)

	sink.nextChunk(t)
	sink.waitClosed(t)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestRelay_StaleFailureDoesNotEndNewLease(t *testing.T) {
	r := newRelay(t, Options{})

	old := newStuckTransport()
	oldSink := newRecordingSink()
	require.NoError(t, r.Initialize(old, oldSink))

	// The worker is blocked reading the old transport, which ignores
	// Close.  Recycle the relay underneath it.
	r.Teardown()
	r.Reset()

	sink := newRecordingSink()
	peer, conn := net.Pipe()
	defer peer.Close()
	require.NoError(t, r.Initialize(conn, sink))

	old.release <- errors.New("late failure from the previous lease")

	_, err := peer.Write([]byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), sink.nextChunk(t))
	assert.Equal(t, StateReady, r.State())

	_, closes := oldSink.counts()
	assert.Equal(t, 0, closes)
	_, closes = sink.counts()
	assert.Equal(t, 0, closes)
}

// ── Initialize ───────────────────────────────────────────────────────

func TestInitialize_NilTransport(t *testing.T) {
	m := metrics.New()
	r := newRelay(t, Options{Metrics: m})
	sink := newRecordingSink()

	err := r.Initialize(nil, sink)

	var se *ncerr.SetupError
	require.ErrorAs(t, err, &se)
	sink.waitClosed(t)
	assert.Equal(t, StateUninitialized, r.State())
	assert.ErrorIs(t, r.Send([]byte("x")), ncerr.ErrNotInitialized)
	assert.EqualValues(t, 1, m.SetupFailures())
}

func TestInitialize_NilSink(t *testing.T) {
	r := newRelay(t, Options{})
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	var se *ncerr.SetupError
	assert.ErrorAs(t, r.Initialize(conn, nil), &se)
}

func TestInitialize_AlreadyLeased(t *testing.T) {
	r := newRelay(t, Options{})
	first := newRecordingSink()
	peer1, conn1 := net.Pipe()
	defer peer1.Close()
	require.NoError(t, r.Initialize(conn1, first))

	second := newRecordingSink()
	peer2, conn2 := net.Pipe()
	defer peer2.Close()
	defer conn2.Close()

	err := r.Initialize(conn2, second)
	assert.ErrorIs(t, err, ncerr.ErrAlreadyLeased)
	second.waitClosed(t)

	// The first lease is untouched.
	_, err = peer1.Write([]byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), first.nextChunk(t))
}

func TestInitialize_ClosedTCPConnFailsSetup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	r := newRelay(t, Options{})
	sink := newRecordingSink()

	err = r.Initialize(conn, sink)
	var se *ncerr.SetupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nodelay", se.Op)
	sink.waitClosed(t)
	assert.Equal(t, StateUninitialized, r.State())
}

// ── Teardown / Reset / Terminate ─────────────────────────────────────

func TestTeardown_IsIdempotent(t *testing.T) {
	r := newRelay(t, Options{})
	tr := newStuckTransport()
	t.Cleanup(func() { tr.release <- io.EOF })
	require.NoError(t, r.Initialize(tr, newRecordingSink()))

	r.Teardown()
	r.Teardown()
	r.Cancel()

	assert.Equal(t, StateClosed, r.State())
	tr.mu.Lock()
	closes := tr.closes
	tr.mu.Unlock()
	assert.Equal(t, 2, closes, "teardown closes once, cancel once more")
}

func TestTeardown_OnFreshRelay(t *testing.T) {
	r := newRelay(t, Options{})
	r.Teardown()
	r.Cancel()
	r.Reset()
	assert.Equal(t, StateUninitialized, r.State())
}

func TestReset_RestoresDefaults(t *testing.T) {
	r := newRelay(t, Options{})
	assert.Equal(t, DefaultEndpoint, r.Endpoint())
	assert.Equal(t, "127.0.0.1:8080", r.Endpoint().String())

	r.SetEndpoint("db.internal", 5432)
	peer, conn := net.Pipe()
	defer peer.Close()
	require.NoError(t, r.Initialize(conn, newRecordingSink()))

	r.Teardown()
	r.Reset()

	assert.Equal(t, DefaultEndpoint, r.Endpoint())
	assert.Equal(t, StateUninitialized, r.State())
	assert.ErrorIs(t, r.Send([]byte("x")), ncerr.ErrNotInitialized)
}

func TestTerminate_StopsParkedWorker(t *testing.T) {
	r := New(Options{})
	r.Terminate()
	r.Terminate()

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}

	sink := newRecordingSink()
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()
	assert.ErrorIs(t, r.Initialize(conn, sink), ncerr.ErrRelayTerminated)
	sink.waitClosed(t)
}

func TestTerminate_AfterTeardownOfActiveLease(t *testing.T) {
	r := New(Options{})
	peer, conn := net.Pipe()
	defer peer.Close()
	require.NoError(t, r.Initialize(conn, newRecordingSink()))

	r.Teardown()
	r.Reset()
	r.Terminate()

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}
}

// ── Diagnostics ──────────────────────────────────────────────────────

func TestRelay_HexAndTextDiagnostics(t *testing.T) {
	out := &lockedBuffer{}
	log := util.NewLogger(3)
	log.SetOutput(out)
	log.SetTimestamps(false)

	r := newRelay(t, Options{Logger: log, LogHex: true, LogText: true})
	sink := newRecordingSink()
	peer, conn := net.Pipe()
	defer peer.Close()
	require.NoError(t, r.Initialize(conn, sink))

	_, err := peer.Write([]byte("hi\n"))
	require.NoError(t, err)
	sink.nextChunk(t)

	assert.Eventually(t, func() bool {
		s := out.String()
		return bytes.Contains([]byte(s), []byte("S:Hex : 68690a")) &&
			bytes.Contains([]byte(s), []byte("S:Text: hi."))
	}, waitFor, 5*time.Millisecond)
}

func TestRelay_DiagnosticsArePerInstance(t *testing.T) {
	quietOut, loudOut := &lockedBuffer{}, &lockedBuffer{}
	quietLog, loudLog := util.NewLogger(3), util.NewLogger(3)
	quietLog.SetOutput(quietOut)
	loudLog.SetOutput(loudOut)

	quiet := newRelay(t, Options{Logger: quietLog})
	loud := newRelay(t, Options{Logger: loudLog, LogHex: true})

	for _, r := range []*Relay{quiet, loud} {
		sink := newRecordingSink()
		peer, conn := net.Pipe()
		defer peer.Close()
		require.NoError(t, r.Initialize(conn, sink))
		_, err := peer.Write([]byte{0x0a})
		require.NoError(t, err)
		sink.nextChunk(t)
	}

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(loudOut.String()), []byte("S:Hex : 0a"))
	}, waitFor, 5*time.Millisecond)
	assert.NotContains(t, quietOut.String(), "S:Hex")
}

// ── Real TCP ─────────────────────────────────────────────────────────

func TestRelay_LoopbackTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	peer, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer peer.Close()

	var upstream net.Conn
	select {
	case upstream = <-accepted:
	case <-time.After(waitFor):
		t.Fatal("accept timed out")
	}

	r := newRelay(t, Options{})
	sink := newRecordingSink()
	require.NoError(t, r.Initialize(upstream, sink))

	// Downstream: one write from the peer arrives as one chunk.
	_, err = peer.Write([]byte("ABC"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), sink.nextChunk(t))

	// Upstream: Send is on the wire before it returns.
	require.NoError(t, r.Send([]byte("pong")))
	peer.SetReadDeadline(time.Now().Add(waitFor)) //nolint:errcheck
	buf := make([]byte, 4)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	// Teardown closes the transport; the peer sees EOF.
	r.Teardown()
	_, err = peer.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	time.Sleep(50 * time.Millisecond)
	_, closes := sink.counts()
	assert.Equal(t, 0, closes, "teardown is not an end-of-stream")
}
