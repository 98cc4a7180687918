package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the AJPD_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// duration syntax ("90s") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("AJPD_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("AJPD_PORT"); v > 0 {
		cfg.Port = v
	}

	// Timeouts
	if v := envDuration("AJPD_READ_TIMEOUT"); v > 0 {
		cfg.ReadTimeout = v
	}
	if v := envDuration("AJPD_WRITE_TIMEOUT"); v > 0 {
		cfg.WriteTimeout = v
	}
	if v := envDuration("AJPD_IDLE_TIMEOUT"); v > 0 {
		cfg.IdleTimeout = v
	}
	if v := envDuration("AJPD_BODY_TIMEOUT"); v > 0 {
		cfg.BodyTimeout = v
	}
	if v := envDuration("AJPD_TIMEOUT"); v > 0 {
		cfg.Timeout = v
	}

	// Protocol
	if v := envInt("AJPD_MAX_PACKET"); v > 0 {
		cfg.MaxPacketSize = v
	}
	if envBool("AJPD_EAGER_DISPATCH") {
		cfg.EagerDispatch = true
	}
	if envBool("AJPD_LENIENT_EMPTY_CHUNK") {
		cfg.LenientEmptyChunk = true
	}
	if envBool("AJPD_ALLOW_SHUTDOWN") {
		cfg.AllowShutdown = true
	}
	if v := os.Getenv("AJPD_SECRET"); v != "" {
		cfg.Secret = v
	}

	// Handlers
	if v := os.Getenv("AJPD_DOC_ROOT"); v != "" {
		cfg.DocRoot = v
	}
	if v := os.Getenv("AJPD_EXEC"); v != "" {
		cfg.ExecProgram = v
	}

	// SSH tunnel
	if v := os.Getenv("AJPD_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("AJPD_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("AJPD_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("AJPD_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("AJPD_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("AJPD_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := envInt("AJPD_REMOTE_PORT"); v > 0 {
		cfg.RemotePort = v
	}
	if v := os.Getenv("AJPD_REMOTE_BIND_ADDRESS"); v != "" {
		cfg.RemoteBindAddress = v
	}
	if v := envInt("AJPD_KEEP_ALIVE"); v > 0 {
		cfg.KeepAliveInterval = v
	}

	// Output
	if v := envInt("AJPD_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n)
	}
	return 0
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
