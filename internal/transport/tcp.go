package transport

import (
	"context"
	"net"
	"time"

	ncerr "gopipe/internal/errors"
)

// TCPDialer dials the upstream directly.
type TCPDialer struct {
	Timeout time.Duration
	// KeepAlive is the TCP keep-alive period; zero uses the system
	// default and a negative value disables it.
	KeepAlive time.Duration
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op.
func (d *TCPDialer) Close() error { return nil }
