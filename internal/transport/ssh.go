package transport

import (
	"context"
	"net"

	"gopipe/tunnel"
	"gopipe/util"
)

// SSHDialer routes upstream dials through an SSH gateway.  The gateway
// session is opened on the first Dial and shared by every lease after
// that.
type SSHDialer struct {
	tun    tunnel.Tunnel
	logger *util.Logger
}

// NewSSHDialer returns a dialer over a fresh, unconnected SSHTunnel.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &SSHDialer{tun: tunnel.NewSSHTunnel(cfg, logger), logger: logger}
}

// NewTunnelDialer wraps an existing Tunnel.
func NewTunnelDialer(tun tunnel.Tunnel, logger *util.Logger) *SSHDialer {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &SSHDialer{tun: tun, logger: logger}
}

// Dial opens address from the gateway's side.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if !d.tun.IsAlive() {
		d.logger.Verbose("opening SSH gateway for %s", address)
	}
	return d.tun.Dial(ctx, network, address)
}

// Close tears down the gateway session.
func (d *SSHDialer) Close() error {
	return d.tun.Close()
}
