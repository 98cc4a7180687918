// Package config defines the runtime configuration for ajpd and provides
// helpers for parsing tunnel specifications and mount prefixes.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ajpd/internal/errors"
)

// Config holds every tuneable for a single ajpd process.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	Host string // bind address (serve) or target host (probe)
	Port int    // bind port (serve) or target port (probe)

	// ── Timeouts ─────────────────────────────────────────────────────
	ReadTimeout  time.Duration // waiting for the rest of a request body
	WriteTimeout time.Duration // each outbound package
	IdleTimeout  time.Duration // keep-alive connection between cycles
	BodyTimeout  time.Duration // handler suspended on a body read
	GracePeriod  time.Duration // Shutdown drain before force-close
	Timeout      time.Duration // probe dial + exchange

	// ── Protocol ─────────────────────────────────────────────────────
	MaxPacketSize     int  // largest inbound packet accepted
	EagerDispatch     bool // start the handler before the body is complete
	LenientEmptyChunk bool // an empty chunk completes a short body
	AllowShutdown     bool // loopback Shutdown packages stop the server
	Secret            string

	// ── Handlers ─────────────────────────────────────────────────────
	DocRoot      string // served under FilesPrefix when non-empty
	FilesPrefix  string
	EchoPrefix   string // "" disables the echo handler
	StatusPrefix string // "" disables the status handler
	ExecPrefix   string
	ExecProgram  string // -e: CGI program run per request under ExecPrefix
	ExecCommand  string // -c: same, through the system shell

	// ── Probe ────────────────────────────────────────────────────────
	Probe         bool
	ProbePath     string // "" → CPing only
	ProbeMethod   string
	ProbeCount    int // probes to run, one connection each
	ProbeInterval time.Duration

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec        string // raw user@host[:port] from -T
	TunnelEnabled     bool
	TunnelUser        string
	TunnelHost        string
	TunnelPort        int
	SSHKeyPath        string
	SSHPassword       bool // true → prompt interactively
	UseSSHAgent       bool
	StrictHostKey     bool
	KnownHostsPath    string
	RemotePort        int    // serve: port published on the gateway
	RemoteBindAddress string // serve: gateway bind address
	KeepAliveInterval int    // seconds, 0 disables

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Host:              DefaultBindAddress,
		Port:              DefaultPort,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		BodyTimeout:       DefaultBodyTimeout,
		GracePeriod:       DefaultGracePeriod,
		Timeout:           DefaultConnTimeout,
		MaxPacketSize:     DefaultMaxPacketSize,
		FilesPrefix:       DefaultFilesPrefix,
		EchoPrefix:        DefaultEchoPrefix,
		StatusPrefix:      DefaultStatusPrefix,
		ExecPrefix:        DefaultExecPrefix,
		ProbeMethod:       "GET",
		ProbeCount:        1,
		ProbeInterval:     DefaultProbeInterval,
		TunnelPort:        DefaultSSHPort,
		RemoteBindAddress: DefaultRemoteBindAddress,
		KeepAliveInterval: DefaultKeepAliveInterval,
		Verbose:           1,
	}
}

// Addr returns "host:port".
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(spec string) (int, error) {
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// NormalizePrefix turns "status" or "/status/" into "/status".  The
// root prefix stays "/"; the empty string stays empty (disabled).
func NormalizePrefix(p string) string {
	if p == "" {
		return ""
	}
	p = "/" + strings.Trim(p, "/")
	return p
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec into the tunnel fields.  An empty
// spec leaves the tunnel disabled.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &errors.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "use user@host or user@host:port",
		}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &errors.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "out of range 0-65535",
			Hint:    "the conventional AJP port is 8009",
		}
	}

	if c.Probe {
		if c.Host == "" {
			return &errors.ConfigError{
				Field:   "host",
				Message: "probe mode requires a target host",
				Hint:    "ajpd probe <host> <port>",
			}
		}
		if c.Port == 0 {
			return &errors.ConfigError{
				Field:   "port",
				Message: "probe mode requires a target port",
				Hint:    "ajpd probe <host> <port>",
			}
		}
		if c.ProbePath != "" && !strings.HasPrefix(c.ProbePath, "/") {
			return &errors.ConfigError{
				Field:   "path",
				Value:   c.ProbePath,
				Message: "must be an absolute request path",
				Hint:    "e.g. --path /status",
			}
		}
		if c.ProbeCount < 1 {
			return &errors.ConfigError{
				Field:   "count",
				Value:   c.ProbeCount,
				Message: "must be at least 1",
			}
		}
		if c.TunnelEnabled && c.RemotePort != 0 {
			return &errors.ConfigError{
				Field:   "remote-port",
				Value:   c.RemotePort,
				Message: "publishing a remote port only applies to serve mode",
			}
		}
	} else if c.TunnelEnabled && c.RemotePort == 0 {
		return &errors.ConfigError{
			Field:   "remote-port",
			Message: "required with --tunnel",
			Hint:    "the gateway port the web server connects to, e.g. --remote-port 8009",
		}
	}

	if c.RemotePort < 0 || c.RemotePort > 65535 {
		return &errors.ConfigError{
			Field:   "remote-port",
			Value:   c.RemotePort,
			Message: "out of range 1-65535",
		}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &errors.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
	}

	if c.MaxPacketSize < MinPacketSize || c.MaxPacketSize > MaxPacketSize {
		return &errors.ConfigError{
			Field:   "max-packet",
			Value:   c.MaxPacketSize,
			Message: fmt.Sprintf("must be between %d and %d", MinPacketSize, MaxPacketSize),
			Hint:    "match the web server's max_packet_size (8192 unless changed)",
		}
	}

	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"read-timeout", c.ReadTimeout},
		{"write-timeout", c.WriteTimeout},
		{"idle-timeout", c.IdleTimeout},
		{"body-timeout", c.BodyTimeout},
	} {
		if d.v < 0 {
			return &errors.ConfigError{Field: d.field, Value: d.v, Message: "must not be negative", Hint: "0 disables the timeout"}
		}
	}

	if c.ExecProgram != "" && c.ExecCommand != "" {
		return &errors.ConfigError{
			Field:   "exec",
			Value:   c.ExecProgram,
			Message: "-e and -c are mutually exclusive",
		}
	}

	prefixes := map[string]string{}
	for _, p := range []struct{ field, v string }{
		{"echo", c.EchoPrefix},
		{"status", c.StatusPrefix},
		{"exec-prefix", c.ExecPrefix},
		{"files", c.FilesPrefix},
	} {
		if p.v == "" || (p.field == "files" && c.DocRoot == "") {
			continue
		}
		if p.field == "exec-prefix" && c.ExecProgram == "" && c.ExecCommand == "" {
			continue
		}
		if other, dup := prefixes[p.v]; dup {
			return &errors.ConfigError{
				Field:   p.field,
				Value:   p.v,
				Message: "prefix already mounted by --" + other,
			}
		}
		prefixes[p.v] = p.field
	}

	return nil
}
