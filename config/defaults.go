package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultPort is the conventional AJP connector port.
	DefaultPort = 8009

	// DefaultBindAddress is where the connector listens.  AJP carries
	// no authentication of its own, so loopback is the safe default.
	DefaultBindAddress = "127.0.0.1"

	// DefaultMaxPacketSize is the AJP13 packet limit (header included).
	DefaultMaxPacketSize = 8192

	// MinPacketSize and MaxPacketSize bound --max-packet.
	MinPacketSize = 8192
	MaxPacketSize = 65536

	// DefaultReadTimeout bounds the wait for the next body chunk.
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds each outbound package write.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultIdleTimeout closes keep-alive connections between cycles.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultBodyTimeout bounds a handler suspended on a body read.
	DefaultBodyTimeout = 60 * time.Second

	// DefaultConnTimeout is the probe TCP/SSH connection timeout.
	DefaultConnTimeout = 10 * time.Second

	// DefaultProbeInterval separates repeated probes.
	DefaultProbeInterval = time.Second

	// DefaultGracePeriod is how long Shutdown waits for cycles to finish.
	DefaultGracePeriod = 5 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultRemoteBindAddress is the gateway-side bind address for a
	// published connector.
	DefaultRemoteBindAddress = "127.0.0.1"

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultMaxReconnectAttempts is how many times to retry the SSH
	// gateway before giving up.
	DefaultMaxReconnectAttempts = 5

	// DefaultMaxReconnectBackoff caps the exponential backoff between
	// gateway connection attempts.
	DefaultMaxReconnectBackoff = 30 * time.Second

	// Built-in handler mount points.
	DefaultEchoPrefix   = "/echo"
	DefaultStatusPrefix = "/ajpd/status"
	DefaultFilesPrefix  = "/"
	DefaultExecPrefix   = "/cgi-bin"
)
