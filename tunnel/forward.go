package tunnel

// Go's ssh.Client.Listen registers forwarded-tcpip channels keyed by
// the exact bind address it sent.  Gateways that echo back a different
// address (e.g. "0.0.0.0" when we sent "") make the library reject
// every channel with "no forward for address".  forwardListener sends
// the tcpip-forward request itself and accepts all forwarded-tcpip
// channels of its client.

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// ── Wire format structs (RFC 4254) ──────────────────────────────────

// channelForwardMsg is the payload of the "tcpip-forward" and
// "cancel-tcpip-forward" global requests (RFC 4254 §7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardReply is the success reply to "tcpip-forward" when port 0
// asked the gateway to pick one.
type forwardReply struct {
	Port uint32
}

// forwardedTCPPayload is the channel-open payload for
// "forwarded-tcpip" (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// ── forwardListener ─────────────────────────────────────────────────

// forwardListener implements [net.Listener] over SSH forwarded-tcpip
// channels.
type forwardListener struct {
	client   *ssh.Client
	bindAddr string
	bindPort uint32
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

// listenRemoteForward sends a tcpip-forward request and returns a
// [net.Listener] that receives the forwarded connections.
func listenRemoteForward(client *ssh.Client, bindAddr string, bindPort int) (*forwardListener, error) {
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, errors.New("forwarded-tcpip handler already registered")
	}

	msg := channelForwardMsg{Addr: bindAddr, Port: uint32(bindPort)}
	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		return nil, errors.Wrap(err, "tcpip-forward")
	}
	if !ok {
		return nil, errors.Errorf("tcpip-forward %s denied by gateway",
			net.JoinHostPort(bindAddr, strconv.Itoa(bindPort)))
	}
	if bindPort == 0 {
		var r forwardReply
		if err := ssh.Unmarshal(reply, &r); err == nil {
			msg.Port = r.Port
		}
	}

	return &forwardListener{
		client:   client,
		bindAddr: bindAddr,
		bindPort: msg.Port,
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}

// Accept waits for the next forwarded connection.  It returns io.EOF
// once the listener is closed or the SSH connection is gone.
func (l *forwardListener) Accept() (net.Conn, error) {
	for {
		select {
		case <-l.done:
			return nil, io.EOF
		case newCh, ok := <-l.incoming:
			if !ok {
				return nil, io.EOF
			}
			var payload forwardedTCPPayload
			if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
				newCh.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload") //nolint:errcheck
				continue
			}
			ch, reqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(reqs)

			return newChanConn(ch,
				&net.TCPAddr{IP: net.ParseIP(payload.Addr), Port: int(payload.Port)},
				&net.TCPAddr{IP: net.ParseIP(payload.OriginAddr), Port: int(payload.OriginPort)},
			), nil
		}
	}
}

// Close cancels the remote port forward and unblocks Accept.
func (l *forwardListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		msg := channelForwardMsg{Addr: l.bindAddr, Port: l.bindPort}
		l.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&msg)) //nolint:errcheck
	})
	return nil
}

// Addr returns the address bound on the gateway.
func (l *forwardListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(l.bindAddr), Port: int(l.bindPort)}
}

// ── chanConn ─────────────────────────────────────────────────────────

// chanConn wraps an [ssh.Channel] to satisfy [net.Conn].  SSH channels
// have no deadlines of their own; an expired deadline closes the
// channel, which fails any blocked Read or Write.
type chanConn struct {
	ssh.Channel
	laddr, raddr net.Addr

	mu      sync.Mutex
	rtimer  *time.Timer
	wtimer  *time.Timer
	expired bool
}

func newChanConn(ch ssh.Channel, laddr, raddr net.Addr) *chanConn {
	return &chanConn{Channel: ch, laddr: laddr, raddr: raddr}
}

func (c *chanConn) LocalAddr() net.Addr  { return c.laddr }
func (c *chanConn) RemoteAddr() net.Addr { return c.raddr }

func (c *chanConn) Read(p []byte) (int, error) {
	n, err := c.Channel.Read(p)
	if err != nil && c.isExpired() {
		return n, &deadlineError{}
	}
	return n, err
}

func (c *chanConn) Write(p []byte) (int, error) {
	n, err := c.Channel.Write(p)
	if err != nil && c.isExpired() {
		return n, &deadlineError{}
	}
	return n, err
}

func (c *chanConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)  //nolint:errcheck
	c.SetWriteDeadline(t) //nolint:errcheck
	return nil
}

func (c *chanConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtimer = c.arm(c.rtimer, t)
	return nil
}

func (c *chanConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wtimer = c.arm(c.wtimer, t)
	return nil
}

func (c *chanConn) arm(timer *time.Timer, t time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if t.IsZero() {
		return nil
	}
	return time.AfterFunc(time.Until(t), c.expire)
}

func (c *chanConn) expire() {
	c.mu.Lock()
	c.expired = true
	c.mu.Unlock()
	c.Channel.Close()
}

func (c *chanConn) isExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

func (c *chanConn) Close() error {
	c.mu.Lock()
	for _, t := range []*time.Timer{c.rtimer, c.wtimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.mu.Unlock()
	return c.Channel.Close()
}

// deadlineError is returned once a deadline closed the channel.
type deadlineError struct{}

func (*deadlineError) Error() string   { return "i/o timeout" }
func (*deadlineError) Timeout() bool   { return true }
func (*deadlineError) Temporary() bool { return true }
