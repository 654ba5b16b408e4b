// Package tunnel carries upstream connections through an SSH gateway
// using golang.org/x/crypto/ssh.
package tunnel

import (
	"context"
	"net"
)

// Tunnel is an encrypted channel that upstream dials can be routed
// through.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address from the gateway's side.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel.
	Close() error

	// IsAlive reports whether the gateway connection is still up.
	IsAlive() bool
}
