package transport

import (
	"context"
	"net"
	"time"

	ajperr "ajpd/internal/errors"
)

// TCPDialer establishes plain TCP connections.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, ajperr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// TCPListener binds a local TCP socket.
type TCPListener struct {
	Address string // "host:port"; port 0 picks a free port
}

// Listen binds the socket.
func (l *TCPListener) Listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.Address)
	if err != nil {
		return nil, ajperr.Wrap("listen", l.Address, err)
	}
	return ln, nil
}
