// Package transport opens the upstream side of a relay lease.  A
// Dialer hides whether the upstream is reached directly or through an
// SSH gateway; RetryDialer layers pacing and fail-fast on top of
// either.
package transport

import (
	"context"
	"net"
)

// Dialer opens upstream connections.
type Dialer interface {
	// Dial connects to address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH session.
	// Stateless dialers return nil.
	Close() error
}
