package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ajpd/internal/metrics"
	"ajpd/tunnel"
	"ajpd/util"
)

// SSHDialer routes connections through an SSH tunnel.  The tunnel is
// connected lazily on the first Dial call and torn down on Close.
type SSHDialer struct {
	tunnel    *tunnel.SSHTunnel
	config    *tunnel.SSHConfig
	logger    *util.Logger
	mu        sync.Mutex
	connected bool
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{
		tunnel: tunnel.NewSSHTunnel(cfg, logger),
		config: cfg,
		logger: logger,
	}
}

func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected && d.tunnel.IsAlive() {
		return nil
	}

	d.logger.Verbose("establishing SSH tunnel to %s@%s:%d",
		d.config.User, d.config.Host, d.config.Port)

	if err := d.tunnel.Connect(ctx); err != nil {
		return errors.Wrap(err, "tunnel")
	}

	d.connected = true
	d.logger.Verbose("SSH tunnel established")
	return nil
}

// Dial connects to address through the SSH tunnel, lazily establishing
// the tunnel on the first call.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.tunnel.Close()
	}
	return nil
}

// SSHListener publishes a port on an SSH gateway (the equivalent of
// ssh -R) and accepts the web server's connections through it.  The
// returned listener reconnects to the gateway when the session drops.
type SSHListener struct {
	Config            *tunnel.SSHConfig
	BindAddress       string
	Port              int
	KeepAliveInterval time.Duration
	MaxAttempts       int
	MaxBackoff        time.Duration
	Logger            *util.Logger
	Metrics           *metrics.Collector
}

// Listen connects to the gateway and requests the remote port.
func (l *SSHListener) Listen(ctx context.Context) (net.Listener, error) {
	rl := tunnel.NewRemoteListener(&tunnel.RemoteListenerConfig{
		SSHConfig:         l.Config,
		BindAddress:       l.BindAddress,
		Port:              l.Port,
		KeepAliveInterval: l.KeepAliveInterval,
		MaxAttempts:       l.MaxAttempts,
		MaxBackoff:        l.MaxBackoff,
	}, l.Logger, l.Metrics)
	if err := rl.Start(ctx); err != nil {
		return nil, err
	}
	return rl, nil
}
