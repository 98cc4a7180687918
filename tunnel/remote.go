package tunnel

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	ajperr "ajpd/internal/errors"
	"ajpd/internal/metrics"
	"ajpd/internal/retry"
	"ajpd/util"
)

// RemoteListenerConfig describes a port published on an SSH gateway.
type RemoteListenerConfig struct {
	SSHConfig *SSHConfig

	BindAddress string // address to bind on the gateway ("" lets the server decide)
	Port        int    // port to bind on the gateway; 0 asks the gateway to pick

	KeepAliveInterval time.Duration // 0 disables keepalive
	MaxAttempts       int           // reconnect attempts per outage, 0 = unlimited
	MaxBackoff        time.Duration // cap on the delay between attempts
}

// RemoteListener is a [net.Listener] whose connections arrive through
// a port published on an SSH gateway.  When the SSH connection drops,
// Accept re-establishes it with exponential backoff before returning
// the next connection; callers see a single long-lived listener.
type RemoteListener struct {
	config  *RemoteListenerConfig
	logger  *util.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	client *ssh.Client
	ln     *forwardListener
	closed bool
	wg     sync.WaitGroup // keepalive loops
}

// NewRemoteListener returns a listener ready to [RemoteListener.Start].
// The metrics collector is optional (nil-safe).
func NewRemoteListener(cfg *RemoteListenerConfig, logger *util.Logger, m *metrics.Collector) *RemoteListener {
	cfg.SSHConfig.defaults()
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &RemoteListener{config: cfg, logger: logger, metrics: m}
}

// Start connects to the gateway and requests the remote port.  The
// first attempt is not retried so configuration mistakes surface
// immediately.
func (r *RemoteListener) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if err := r.establish(ctx); err != nil {
		r.cancel()
		return err
	}
	r.logger.Info("published %s on gateway %s", r.Addr(), r.config.SSHConfig.addr())
	return nil
}

// Accept waits for the next connection from the gateway.
func (r *RemoteListener) Accept() (net.Conn, error) {
	for {
		r.mu.Lock()
		ln, closed := r.ln, r.closed
		r.mu.Unlock()
		if closed {
			return nil, errors.WithStack(net.ErrClosed)
		}

		if ln != nil {
			c, err := ln.Accept()
			if err == nil {
				r.logger.Verbose("gateway connection from %s", c.RemoteAddr())
				return c, nil
			}
			if r.ctx.Err() != nil {
				return nil, errors.WithStack(net.ErrClosed)
			}
			r.logger.Warn("gateway listener lost: %v", err)
			r.metrics.RecordError(ajperr.ErrTunnelClosed.Error(), err.Error())
		}

		if err := r.reconnect(); err != nil {
			if r.ctx.Err() != nil {
				return nil, errors.WithStack(net.ErrClosed)
			}
			return nil, err
		}
	}
}

// Close cancels the remote forward and closes the SSH connection.
func (r *RemoteListener) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ln, client := r.ln, r.client
	r.ln, r.client = nil, nil
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	if ln != nil {
		ln.Close()
	}
	var err error
	if client != nil {
		err = client.Close()
	}
	r.wg.Wait()
	return err
}

// Addr returns the address bound on the gateway.
func (r *RemoteListener) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		return r.ln.Addr()
	}
	return &net.TCPAddr{IP: net.ParseIP(r.config.BindAddress), Port: r.config.Port}
}

// establish dials the gateway and requests the forward.
func (r *RemoteListener) establish(ctx context.Context) error {
	client, err := dialClient(ctx, r.config.SSHConfig, r.logger)
	if err != nil {
		return err
	}

	port := r.config.Port
	r.mu.Lock()
	if r.ln != nil {
		port = int(r.ln.bindPort)
	}
	r.mu.Unlock()

	ln, err := listenRemoteForward(client, r.config.BindAddress, port)
	if err != nil {
		client.Close()
		return ajperr.WrapSSH("forward", r.config.SSHConfig.Host, r.config.SSHConfig.Port,
			errors.Wrapf(err, "remote listen on %s", net.JoinHostPort(r.config.BindAddress, strconv.Itoa(port))))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ln.Close()
		client.Close()
		return errors.WithStack(net.ErrClosed)
	}
	r.client = client
	r.ln = ln
	r.mu.Unlock()

	if r.config.KeepAliveInterval > 0 {
		r.wg.Add(1)
		go r.keepalive(client)
	}
	return nil
}

// reconnect tears down the current gateway connection and
// re-establishes it with exponential backoff.
func (r *RemoteListener) reconnect() error {
	r.mu.Lock()
	old := r.client
	r.client = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	b := &retry.Backoff{
		InitialDelay: time.Second,
		MaxDelay:     r.config.MaxBackoff,
		Multiplier:   2,
		MaxAttempts:  r.config.MaxAttempts,
		Jitter:       true,
	}
	err := b.Do(r.ctx, func(attempt int) error {
		r.metrics.TunnelReconnect()
		r.logger.Info("gateway: reconnecting (attempt %d)", attempt)
		err := r.establish(r.ctx)
		if err != nil {
			r.logger.Warn("gateway: reconnect %d: %v", attempt, err)
			if errors.Is(err, net.ErrClosed) {
				return retry.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		return errors.Wrap(ajperr.ErrTunnelClosed, err.Error())
	}
	r.logger.Info("gateway: reconnected")
	return nil
}

// keepalive pings the gateway and closes client when a ping fails,
// which makes Accept reconnect.
func (r *RemoteListener) keepalive(client *ssh.Client) {
	defer r.wg.Done()

	tick := time.NewTicker(r.config.KeepAliveInterval)
	defer tick.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-tick.C:
			r.mu.Lock()
			current := r.client == client
			r.mu.Unlock()
			if !current {
				return
			}
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				r.logger.Warn("gateway keepalive failed: %v", err)
				client.Close()
				return
			}
			r.logger.Debug("gateway keepalive OK")
		}
	}
}
