package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ncerr "gopipe/internal/errors"
	"gopipe/internal/metrics"
	"gopipe/util"
)

func TestFactory_CreateParksWorker(t *testing.T) {
	m := metrics.New()
	f := NewFactory(Options{Metrics: m, Logger: util.NewLogger(0)})

	r, err := f.Create()
	require.NoError(t, err)
	defer f.Destroy(r) //nolint:errcheck

	assert.Equal(t, StateUninitialized, r.State())
	assert.ErrorIs(t, r.Send([]byte("x")), ncerr.ErrNotInitialized)
	assert.EqualValues(t, 1, m.RelaysCreated())

	select {
	case <-r.Done():
		t.Fatal("worker should stay parked after Create")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFactory_Validate(t *testing.T) {
	f := NewFactory(Options{})
	assert.False(t, f.Validate(nil))

	r, err := f.Create()
	require.NoError(t, err)
	defer f.Destroy(r) //nolint:errcheck

	assert.True(t, f.Validate(r))
	require.NoError(t, f.Passivate(r))
	assert.True(t, f.Validate(r))
}

func TestFactory_PassivateLeavesFreshRelay(t *testing.T) {
	f := NewFactory(Options{})
	r, err := f.Create()
	require.NoError(t, err)
	defer f.Destroy(r) //nolint:errcheck

	r.SetEndpoint("upstream.example", 6379)
	peer, conn := net.Pipe()
	defer peer.Close()
	require.NoError(t, r.Initialize(conn, newRecordingSink()))

	require.NoError(t, f.Passivate(r))

	assert.Equal(t, StateUninitialized, r.State())
	assert.Equal(t, DefaultEndpoint, r.Endpoint())
	assert.ErrorIs(t, r.Send([]byte("x")), ncerr.ErrNotInitialized)

	// The transport was released: the peer sees the pipe closed.
	_, err = peer.Write([]byte("x"))
	assert.Error(t, err)

	// And the same instance serves the next lease.
	sink := newRecordingSink()
	peer2, conn2 := net.Pipe()
	defer peer2.Close()
	require.NoError(t, r.Initialize(conn2, sink))
	_, err = peer2.Write([]byte("next"))
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), sink.nextChunk(t))
}

func TestFactory_DestroyTerminatesWorker(t *testing.T) {
	m := metrics.New()
	f := NewFactory(Options{Metrics: m})
	r, err := f.Create()
	require.NoError(t, err)

	peer, conn := net.Pipe()
	defer peer.Close()
	require.NoError(t, r.Initialize(conn, newRecordingSink()))

	require.NoError(t, f.Destroy(r))

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("destroy left the worker running")
	}
	assert.EqualValues(t, 1, m.Snapshot().RelaysDestroyed)
}

func TestFactory_NilSafe(t *testing.T) {
	f := NewFactory(Options{})
	assert.NoError(t, f.Passivate(nil))
	assert.NoError(t, f.Destroy(nil))
	assert.True(t, f.IsPoolable())
}
