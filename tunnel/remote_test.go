package tunnel

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ajperr "ajpd/internal/errors"
	"ajpd/internal/metrics"
)

func roundTrip(t *testing.T, ln net.Listener, public string) {
	t.Helper()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	var client net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", public)
		if err != nil {
			return false
		}
		client = c
		return true
	}, 10*time.Second, 20*time.Millisecond)
	defer client.Close()

	_, err := client.Write([]byte{0x12, 0x34, 0x00, 0x01, 0x0A})
	require.NoError(t, err)

	var server net.Conn
	select {
	case server = <-accepted:
		require.NotNil(t, server, "accept failed")
	case <-time.After(10 * time.Second):
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0x00, 0x01, 0x0A}, buf)

	_, err = server.Write([]byte{'A', 'B', 0x00, 0x01, 0x09})
	require.NoError(t, err)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'B', 0x00, 0x01, 0x09}, buf)
}

func TestRemoteListener_Forwards(t *testing.T) {
	g := startGateway(t)
	rl := NewRemoteListener(&RemoteListenerConfig{SSHConfig: g.sshConfig(t)}, nil, nil)
	require.NoError(t, rl.Start(context.Background()))
	defer rl.Close()

	port := rl.Addr().(*net.TCPAddr).Port
	require.NotZero(t, port, "gateway should report the allocated port")
	roundTrip(t, rl, net.JoinHostPort("127.0.0.1", itoa(port)))
}

func TestRemoteListener_Reconnects(t *testing.T) {
	g := startGateway(t)
	m := metrics.New()
	rl := NewRemoteListener(&RemoteListenerConfig{
		SSHConfig:  g.sshConfig(t),
		MaxBackoff: 100 * time.Millisecond,
	}, nil, m)
	require.NoError(t, rl.Start(context.Background()))
	defer rl.Close()

	public := net.JoinHostPort("127.0.0.1", itoa(rl.Addr().(*net.TCPAddr).Port))
	g.drop()

	roundTrip(t, rl, public)
	assert.GreaterOrEqual(t, m.TunnelReconnects(), int64(1))
}

func TestRemoteListener_CloseUnblocksAccept(t *testing.T) {
	g := startGateway(t)
	rl := NewRemoteListener(&RemoteListenerConfig{SSHConfig: g.sshConfig(t)}, nil, nil)
	require.NoError(t, rl.Start(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := rl.Accept()
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rl.Close())
	require.NoError(t, rl.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestRemoteListener_UnknownHostKey(t *testing.T) {
	g := startGateway(t)
	cfg := g.sshConfig(t)
	cfg.StrictHostKey = true
	cfg.KnownHosts = filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(cfg.KnownHosts, nil, 0o600))

	err := NewRemoteListener(&RemoteListenerConfig{SSHConfig: cfg}, nil, nil).Start(context.Background())
	var se *ajperr.SSHError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "handshake", se.Op)
}

func TestSSHTunnel_Dial(t *testing.T) {
	g := startGateway(t)

	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		c, err := target.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c) //nolint:errcheck
	}()

	tun := NewSSHTunnel(g.sshConfig(t), nil)
	_, err = tun.Dial(context.Background(), "tcp", target.Addr().String())
	assert.ErrorIs(t, err, ajperr.ErrNotConnected)

	require.NoError(t, tun.Connect(context.Background()))
	defer tun.Close()
	assert.True(t, tun.IsAlive())

	c, err := tun.Dial(context.Background(), "tcp", target.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("cping"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "cping", string(buf))

	require.NoError(t, tun.Close())
	assert.False(t, tun.IsAlive())
}

func TestChanConn_ReadDeadline(t *testing.T) {
	g := startGateway(t)
	rl := NewRemoteListener(&RemoteListenerConfig{SSHConfig: g.sshConfig(t)}, nil, nil)
	require.NoError(t, rl.Start(context.Background()))
	defer rl.Close()

	public := net.JoinHostPort("127.0.0.1", itoa(rl.Addr().(*net.TCPAddr).Port))
	client, err := net.Dial("tcp", public)
	require.NoError(t, err)
	defer client.Close()

	server, err := rl.Accept()
	require.NoError(t, err)
	defer server.Close()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = server.Read(make([]byte, 1))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}
