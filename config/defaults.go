package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultRemoteHost is the upstream host a relay reports before a
	// lease sets one.
	DefaultRemoteHost = "127.0.0.1"

	// DefaultRemotePort is the upstream port a relay reports before a
	// lease sets one.
	DefaultRemotePort = 8080

	// DefaultListenPort is the local port clients connect to.
	DefaultListenPort = 9000

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultBufSize is the bufio size wrapped around each transport
	// (32 KiB).  It bounds the largest chunk a single drain can return.
	DefaultBufSize = 32 * 1024

	// DefaultPoolMaxIdle is how many passivated relays are kept parked
	// for reuse.
	DefaultPoolMaxIdle = 16

	// DefaultPoolMaxActive caps concurrently leased relays (0 = no cap).
	DefaultPoolMaxActive = 0

	// DefaultDialTimeout bounds a single upstream dial attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultDialAttempts is how many times an upstream dial is tried
	// before the client is dropped.
	DefaultDialAttempts = 3

	// DefaultDialBackoff is the delay before the second dial attempt.
	DefaultDialBackoff = 200 * time.Millisecond

	// DefaultGracePeriod is how long shutdown waits for leases to end.
	DefaultGracePeriod = 5 * time.Second
)
