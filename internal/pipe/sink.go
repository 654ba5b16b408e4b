package pipe

import (
	"net"
	"sync"
	"time"

	"gopipe/util"
)

// clientSink is the downstream end of a lease: it writes what the
// relay drains from the upstream back to the client.
type clientSink struct {
	conn         net.Conn
	log          *util.Logger
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newClientSink(conn net.Conn, log *util.Logger, writeTimeout time.Duration) *clientSink {
	return &clientSink{conn: conn, log: log, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

// ForwardBinary writes chunk to the client in full.
func (s *clientSink) ForwardBinary(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)) //nolint:errcheck
	}
	_, err := s.conn.Write(chunk)
	return err
}

// CloseConnection hangs up on the client.  Only the first call has an
// effect.
func (s *clientSink) CloseConnection() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.conn.Close(); err != nil && !util.IsHarmless(err) {
			s.log.Debug("close client: %v", err)
		}
	})
}

// isClosed reports whether CloseConnection has run.
func (s *clientSink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
