// Package transport provides abstractions for network connection
// establishment.  Transports handle the "how" of reaching a peer
// (plain TCP, or a connection tunnelled through an SSH gateway)
// independent of the AJP traffic carried over it.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Probe mode uses it to
// reach a container directly or through an SSH gateway.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// Listener produces the net.Listener a server accepts web server
// connections on: a local TCP socket, or a port published on an SSH
// gateway.
type Listener interface {
	Listen(ctx context.Context) (net.Listener, error)
}
