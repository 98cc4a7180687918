package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// gateway is an in-process SSH server that honours tcpip-forward and
// direct-tcpip, enough to exercise RemoteListener and SSHTunnel.
type gateway struct {
	t      *testing.T
	ln     net.Listener
	config *ssh.ServerConfig
	hostKey ssh.PublicKey

	mu      sync.Mutex
	conns   []ssh.Conn
	publics []net.Listener
	wg      sync.WaitGroup
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &gateway{t: t, ln: ln, config: cfg, hostKey: signer.PublicKey()}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				g.handle(c)
			}()
		}
	}()
	t.Cleanup(g.close)
	return g
}

func (g *gateway) sshConfig(t *testing.T) *SSHConfig {
	keyPath := t.TempDir() + "/id_test"
	writeTestKey(t, keyPath)
	port := g.ln.Addr().(*net.TCPAddr).Port
	return &SSHConfig{User: "ajp", Host: "127.0.0.1", Port: port, KeyPath: keyPath}
}

func (g *gateway) handle(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, g.config)
	if err != nil {
		nc.Close()
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, sconn)
	g.mu.Unlock()

	go func() {
		for nch := range chans {
			if nch.ChannelType() != "direct-tcpip" {
				nch.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
				continue
			}
			var p forwardedTCPPayload
			if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
				nch.Reject(ssh.ConnectionFailed, "bad payload") //nolint:errcheck
				continue
			}
			target, err := net.Dial("tcp", net.JoinHostPort(p.Addr, strconv.Itoa(int(p.Port))))
			if err != nil {
				nch.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
				continue
			}
			ch, creqs, err := nch.Accept()
			if err != nil {
				target.Close()
				continue
			}
			go ssh.DiscardRequests(creqs)
			go pipe(ch, target)
		}
	}()

	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var m channelForwardMsg
			if err := ssh.Unmarshal(req.Payload, &m); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			pl, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(m.Port))))
			if err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			port := pl.Addr().(*net.TCPAddr).Port
			g.mu.Lock()
			g.publics = append(g.publics, pl)
			g.mu.Unlock()
			req.Reply(true, ssh.Marshal(&forwardReply{Port: uint32(port)})) //nolint:errcheck
			go g.publish(sconn, pl, m.Addr, port)
		default:
			if req.WantReply {
				req.Reply(req.Type == "cancel-tcpip-forward", nil) //nolint:errcheck
			}
		}
	}
	sconn.Close()
}

func (g *gateway) publish(sconn ssh.Conn, pl net.Listener, addr string, port int) {
	for {
		c, err := pl.Accept()
		if err != nil {
			return
		}
		ra := c.RemoteAddr().(*net.TCPAddr)
		ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", ssh.Marshal(&forwardedTCPPayload{
			Addr:       addr,
			Port:       uint32(port),
			OriginAddr: ra.IP.String(),
			OriginPort: uint32(ra.Port),
		}))
		if err != nil {
			c.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go pipe(ch, c)
	}
}

func pipe(ch ssh.Channel, c net.Conn) {
	go func() {
		io.Copy(ch, c) //nolint:errcheck
		ch.CloseWrite() //nolint:errcheck
	}()
	io.Copy(c, ch) //nolint:errcheck
	c.Close()
	ch.Close()
}

// drop severs every SSH connection and frees the published ports.
func (g *gateway) drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pl := range g.publics {
		pl.Close()
	}
	g.publics = nil
	for _, c := range g.conns {
		c.Close()
	}
	g.conns = nil
}

func (g *gateway) close() {
	g.ln.Close()
	g.drop()
}
