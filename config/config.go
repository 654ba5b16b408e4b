// Package config defines the runtime configuration for a gopipe server
// and the helpers that fill it from a file, the environment and flags.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	ncerr "gopipe/internal/errors"
)

// Config holds every tuneable of a pipe server.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	// ── Upstream ─────────────────────────────────────────────────────
	RemoteHost   string        `yaml:"remote_host"`
	RemotePort   int           `yaml:"remote_port"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	DialAttempts int           `yaml:"dial_attempts"`

	// ── Relay pool ───────────────────────────────────────────────────
	PoolMaxIdle   int `yaml:"pool_max_idle"`
	PoolMaxActive int `yaml:"pool_max_active"`
	BufSize       int `yaml:"buf_size"`

	// ── Diagnostics ──────────────────────────────────────────────────
	LogText     bool   `yaml:"log_text"`
	LogHex      bool   `yaml:"log_hex"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     int    `yaml:"verbose"`

	// ── SSH gateway ──────────────────────────────────────────────────
	TunnelSpec     string `yaml:"tunnel"` // raw [user@]host[:port] from -T
	TunnelEnabled  bool   `yaml:"-"`
	TunnelUser     string `yaml:"-"`
	TunnelHost     string `yaml:"-"`
	TunnelPort     int    `yaml:"-"`
	SSHKeyPath     string `yaml:"ssh_key"`
	SSHPassword    bool   `yaml:"ssh_password"` // true → prompt interactively
	UseSSHAgent    bool   `yaml:"ssh_agent"`
	StrictHostKey  bool   `yaml:"strict_hostkey"`
	KnownHostsPath string `yaml:"known_hosts"`

	// ── Client side ──────────────────────────────────────────────────
	WriteTimeout time.Duration `yaml:"write_timeout"` // 0 = no deadline

	// ── Shutdown ─────────────────────────────────────────────────────
	GracePeriod time.Duration `yaml:"grace_period"`

	// ConfigFile is the YAML file the rest was overlaid from, if any.
	ConfigFile string `yaml:"-"`
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		ListenPort:    DefaultListenPort,
		RemoteHost:    DefaultRemoteHost,
		RemotePort:    DefaultRemotePort,
		DialTimeout:   DefaultDialTimeout,
		DialAttempts:  DefaultDialAttempts,
		PoolMaxIdle:   DefaultPoolMaxIdle,
		PoolMaxActive: DefaultPoolMaxActive,
		BufSize:       DefaultBufSize,
		GracePeriod:   DefaultGracePeriod,
	}
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec splits "admin@bastion.example.com:2222" into its
// parts.  Port defaults to DefaultSSHPort.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q, expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec, if set, into the Tunnel* fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error()}
	}
	c.TunnelEnabled = true
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	return nil
}

// ListenAddr is the address the server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// RemoteAddr is the upstream every lease dials.
func (c *Config) RemoteAddr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are *errors.ConfigError.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return &ncerr.ConfigError{
			Field:   "port",
			Value:   c.ListenPort,
			Message: "listen port must be between 0 and 65535",
			Hint:    "0 picks a free port",
		}
	}
	if c.RemoteHost == "" {
		return &ncerr.ConfigError{
			Field:   "remote-host",
			Message: "an upstream host is required",
			Hint:    "gopipe -r db.internal -P 5432",
		}
	}
	if c.RemotePort < 1 || c.RemotePort > 65535 {
		return &ncerr.ConfigError{
			Field:   "remote-port",
			Value:   c.RemotePort,
			Message: "upstream port must be between 1 and 65535",
		}
	}
	if c.PoolMaxActive < 0 {
		return &ncerr.ConfigError{
			Field:   "pool-max-active",
			Value:   c.PoolMaxActive,
			Message: "must not be negative",
			Hint:    "0 leaves the number of concurrent clients uncapped",
		}
	}
	if c.DialAttempts < 0 {
		return &ncerr.ConfigError{Field: "dial-retries", Value: c.DialAttempts, Message: "must not be negative"}
	}
	if c.DialTimeout < 0 {
		return &ncerr.ConfigError{Field: "dial-timeout", Value: c.DialTimeout, Message: "must not be negative"}
	}
	if c.WriteTimeout < 0 {
		return &ncerr.ConfigError{Field: "write-timeout", Value: c.WriteTimeout, Message: "must not be negative"}
	}
	if c.BufSize < 0 {
		return &ncerr.ConfigError{Field: "buf-size", Value: c.BufSize, Message: "must not be negative"}
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: "tunnel host is required",
			Hint:    "-T user@bastion.example.com",
		}
	}
	if !c.TunnelEnabled && (c.SSHKeyPath != "" || c.SSHPassword || c.UseSSHAgent) {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Message: "SSH credentials given without a gateway",
			Hint:    "add -T [user@]host[:port]",
		}
	}
	return nil
}
