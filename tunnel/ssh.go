package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"gopipe/config"
	ncerr "gopipe/internal/errors"
	"gopipe/util"
)

// SSHConfig describes the gateway upstream dials are routed through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// Addr is the gateway's host:port.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHTunnel implements Tunnel over a single ssh.Client shared by every
// lease.  When the gateway drops, the next Dial reconnects.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	// connMu serializes handshakes so concurrent leases that find the
	// tunnel down reconnect once.
	connMu sync.Mutex

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
	closed bool
}

// NewSSHTunnel returns an unconnected tunnel.
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSSHPort
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = config.DefaultDialTimeout
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &SSHTunnel{config: cfg, logger: logger.Named("ssh")}
}

// Connect performs the TCP dial and SSH handshake.  It is a no-op
// while the tunnel is alive.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.IsAlive() {
		return nil
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ncerr.ErrNotConnected
	}

	auth, err := BuildAuthMethods(t.config)
	if err != nil {
		return ncerr.WrapSSH("auth", t.config.Host, t.config.Port, err)
	}
	hk, err := hostKeyCallback(t.config)
	if err != nil {
		return ncerr.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
	}

	addr := t.config.Addr()
	t.logger.Debug("dialing %s as %s", addr, t.config.User)

	d := net.Dialer{Timeout: t.config.ConnTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap("dial", addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         t.config.ConnTimeout,
	})
	if err != nil {
		raw.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return ncerr.WrapSSH("auth", t.config.Host, t.config.Port,
				fmt.Errorf("%w: %v", ncerr.ErrAuthFailed, err))
		}
		return ncerr.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}
	client := ssh.NewClient(conn, chans, reqs)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		client.Close()
		return ncerr.ErrNotConnected
	}
	old := t.client
	t.client = client
	t.alive = true
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go t.monitor(client)
	t.logger.Verbose("tunnel up via %s@%s", t.config.User, addr)
	return nil
}

// Dial opens address from the gateway, reconnecting first if the
// gateway connection has dropped.  ctx bounds the wait; a channel that
// opens after ctx ends is closed.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if !t.IsAlive() {
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
	}

	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return nil, ncerr.ErrNotConnected
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := client.Dial(network, address)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, ncerr.Wrap("tunnel-dial", address, r.err)
		}
		t.logger.Debug("channel open to %s", address)
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ncerr.Wrap("tunnel-dial", address, ctx.Err())
	}
}

// Close shuts the gateway connection.  Later Dials fail with
// errors.ErrNotConnected.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.alive = false
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	if err != nil {
		return fmt.Errorf("ssh close: %w", err)
	}
	return nil
}

// IsAlive reports whether the gateway connection is up.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor waits for client to drop and marks the tunnel down unless a
// newer client has replaced it.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Verbose("tunnel down: %v", err)
	} else {
		t.logger.Verbose("tunnel down")
	}
}
