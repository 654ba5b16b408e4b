// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a gopipe server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Collector tracks runtime metrics for a gopipe server.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	leasesActive    atomic.Int64
	leasesTotal     atomic.Int64
	relaysCreated   atomic.Int64
	relaysDestroyed atomic.Int64
	chunksForwarded atomic.Int64
	bytesForwarded  atomic.Int64
	bytesSent       atomic.Int64
	setupFailures   atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Lease metrics ────────────────────────────────────────────────────

// LeaseOpened increments both the active and total lease counters.
func (c *Collector) LeaseOpened() {
	if c == nil {
		return
	}
	c.leasesActive.Add(1)
	c.leasesTotal.Add(1)
}

// LeaseClosed decrements the active lease counter.
func (c *Collector) LeaseClosed() {
	if c == nil {
		return
	}
	c.leasesActive.Add(-1)
}

// ActiveLeases returns the number of relays currently leased.
func (c *Collector) ActiveLeases() int64 {
	if c == nil {
		return 0
	}
	return c.leasesActive.Load()
}

// TotalLeases returns the lifetime lease count.
func (c *Collector) TotalLeases() int64 {
	if c == nil {
		return 0
	}
	return c.leasesTotal.Load()
}

// ── Pool metrics ─────────────────────────────────────────────────────

// RelayCreated records construction of a pooled relay.
func (c *Collector) RelayCreated() {
	if c == nil {
		return
	}
	c.relaysCreated.Add(1)
}

// RelayDestroyed records destruction of a pooled relay.
func (c *Collector) RelayDestroyed() {
	if c == nil {
		return
	}
	c.relaysDestroyed.Add(1)
}

// RelaysCreated returns how many relays the pool has constructed.
func (c *Collector) RelaysCreated() int64 {
	if c == nil {
		return 0
	}
	return c.relaysCreated.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// ChunkForwarded records one chunk of n bytes handed to a sink.
func (c *Collector) ChunkForwarded(n int) {
	if c == nil {
		return
	}
	c.chunksForwarded.Add(1)
	c.bytesForwarded.Add(int64(n))
}

// BytesSent records n bytes written to an upstream transport.
func (c *Collector) BytesSent(n int) {
	if c == nil {
		return
	}
	c.bytesSent.Add(int64(n))
}

// ChunksForwarded returns the total number of forwarded chunks.
func (c *Collector) ChunksForwarded() int64 {
	if c == nil {
		return 0
	}
	return c.chunksForwarded.Load()
}

// TotalBytesForwarded returns total bytes handed to sinks.
func (c *Collector) TotalBytesForwarded() int64 {
	if c == nil {
		return 0
	}
	return c.bytesForwarded.Load()
}

// TotalBytesSent returns total bytes written upstream.
func (c *Collector) TotalBytesSent() int64 {
	if c == nil {
		return 0
	}
	return c.bytesSent.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// SetupFailed records a relay that could not bind its transport.
func (c *Collector) SetupFailed() {
	if c == nil {
		return
	}
	c.setupFailures.Add(1)
}

// SetupFailures returns the number of failed relay initializations.
func (c *Collector) SetupFailures() int64 {
	if c == nil {
		return 0
	}
	return c.setupFailures.Load()
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	LeasesActive     int64  `json:"leases_active"`
	LeasesTotal      int64  `json:"leases_total"`
	RelaysCreated    int64  `json:"relays_created"`
	RelaysDestroyed  int64  `json:"relays_destroyed"`
	ChunksForwarded  int64  `json:"chunks_forwarded"`
	BytesForwarded   int64  `json:"bytes_forwarded"`
	BytesSent        int64  `json:"bytes_sent"`
	SetupFailures    int64  `json:"setup_failures"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		LeasesActive:    c.leasesActive.Load(),
		LeasesTotal:     c.leasesTotal.Load(),
		RelaysCreated:   c.relaysCreated.Load(),
		RelaysDestroyed: c.relaysDestroyed.Load(),
		ChunksForwarded: c.chunksForwarded.Load(),
		BytesForwarded:  c.bytesForwarded.Load(),
		BytesSent:       c.bytesSent.Load(),
		SetupFailures:   c.setupFailures.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
