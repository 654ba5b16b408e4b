package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. YAML file named by --config or GOPIPE_CONFIG  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the YAML file when --config is not given.
const EnvConfigFile = "GOPIPE_CONFIG"

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file keep their current value; unknown keys are an error so
// that a typo does not silently fall back to a default.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the GOPIPE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive); durations accept Go
// syntax ("750ms") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) {
	// Listener / upstream
	if v := os.Getenv("GOPIPE_BIND"); v != "" {
		cfg.ListenHost = v
	}
	if v, ok := envInt("GOPIPE_PORT"); ok {
		cfg.ListenPort = v
	}
	if v := os.Getenv("GOPIPE_REMOTE_HOST"); v != "" {
		cfg.RemoteHost = v
	}
	if v, ok := envInt("GOPIPE_REMOTE_PORT"); ok {
		cfg.RemotePort = v
	}
	if v, ok := envDuration("GOPIPE_DIAL_TIMEOUT"); ok {
		cfg.DialTimeout = v
	}
	if v, ok := envInt("GOPIPE_DIAL_RETRIES"); ok {
		cfg.DialAttempts = v
	}

	if v, ok := envDuration("GOPIPE_WRITE_TIMEOUT"); ok {
		cfg.WriteTimeout = v
	}

	// Pool
	if v, ok := envInt("GOPIPE_POOL_MAX_IDLE"); ok {
		cfg.PoolMaxIdle = v
	}
	if v, ok := envInt("GOPIPE_POOL_MAX_ACTIVE"); ok {
		cfg.PoolMaxActive = v
	}

	// Diagnostics
	if envBool("GOPIPE_LOG_TEXT") {
		cfg.LogText = true
	}
	if envBool("GOPIPE_LOG_HEX") {
		cfg.LogHex = true
	}
	if v := os.Getenv("GOPIPE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, ok := envInt("GOPIPE_VERBOSE"); ok && v > 0 {
		cfg.Verbose = v
	}

	// SSH gateway
	if v := os.Getenv("GOPIPE_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("GOPIPE_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("GOPIPE_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("GOPIPE_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("GOPIPE_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("GOPIPE_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
