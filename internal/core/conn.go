package core

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"ajpd/internal/ajp"
	ajperr "ajpd/internal/errors"
	"ajpd/internal/session"
	"ajpd/util"
)

// conn is one accepted connection.  A single I/O goroutine (serve)
// frames and decodes inbound packages; handler invocations run on a
// worker goroutine so a slow handler never stalls the reads.
type conn struct {
	srv  *Server
	rwc  net.Conn
	log  *util.Logger
	peer string

	sess *session.Session
	fr   *ajp.FrameReader

	ctx    context.Context
	cancel context.CancelFunc

	wmu     sync.Mutex // serializes outbound packets
	dmu     sync.Mutex // read deadline is computed and set under dmu
	busy    atomic.Bool
	partial atomic.Bool // bytes of an unfinished package are buffered
	worker  sync.WaitGroup
	closed  sync.Once
}

func (s *Server) newConn(rwc net.Conn, id uint64) *conn {
	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &conn{
		srv:  s,
		rwc:  rwc,
		log:  s.log.Named("conn." + strconv.FormatUint(id, 10)),
		peer: rwc.RemoteAddr().String(),
		sess: session.New(session.Options{
			LenientEmptyChunk: s.opts.LenientEmptyChunk,
			EagerDispatch:     s.opts.EagerDispatch,
			BodyTimeout:       s.opts.BodyTimeout,
		}),
		fr:     ajp.NewFrameReader(ajp.ServerMagic),
		ctx:    ctx,
		cancel: cancel,
	}
	c.fr.SetMaxPacketSize(s.opts.MaxPacketSize)
	return c
}

// serve runs the I/O loop until the peer closes, a protocol error
// occurs, or the server shuts the connection down.
func (c *conn) serve() {
	var cause error
	defer func() { c.close(cause) }()

	c.log.Verbose("connection from %s", c.peer)

	buf := util.GetReadBuf()
	defer util.PutReadBuf(buf)

	for {
		for {
			payload, ok, err := c.fr.Next()
			if err != nil {
				cause = ajperr.Classify(err, "", c.sess.Snapshot().Seq+1)
				c.protocolError(cause)
				return
			}
			if !ok {
				break
			}
			stop, err := c.handle(payload)
			if err != nil {
				cause = err
				return
			}
			if stop {
				cause = ajperr.ErrShutdown
				return
			}
		}

		c.partial.Store(c.fr.Buffered() > 0 || c.fr.Pending())
		if c.srv.shuttingDown() && c.idle() {
			cause = ajperr.ErrServerClosed
			return
		}

		c.setReadDeadline()
		n, err := c.rwc.Read(*buf)
		if n > 0 {
			c.srv.metrics.BytesReceived(int64(n))
			c.fr.Write((*buf)[:n]) //nolint:errcheck
			continue
		}
		if err != nil {
			cause = c.readError(err)
			return
		}
	}
}

// handle processes one framed payload.  stop reports a Shutdown
// package.
func (c *conn) handle(payload []byte) (stop bool, err error) {
	pkg, act, err := c.sess.Accept(payload)
	if err != nil {
		c.protocolError(err)
		return false, err
	}
	c.srv.metrics.PackageReceived()
	if c.log.Enabled(util.LogDebug) {
		snap := c.sess.Snapshot()
		c.log.Debug("← %s len=%d seq=%d state=%s", pkg.Kind, len(payload), snap.Seq, snap.State)
	}

	switch {
	case act.Pong:
		c.srv.metrics.Ping()
		if err := c.writeControl(ajp.AppendCPong); err != nil {
			return false, err
		}
	case act.Shutdown:
		c.shutdownRequested()
		return true, nil
	case act.RequestBody > 0:
		n := act.RequestBody
		if err := c.writeControl(func(b []byte) []byte { return ajp.AppendGetBodyChunk(b, n) }); err != nil {
			return false, err
		}
	}

	if act.Dispatch {
		c.dispatch()
	}
	return false, nil
}

// dispatch starts the worker for the current cycle.
func (c *conn) dispatch() {
	c.busy.Store(true)
	c.worker.Add(1)
	go func() {
		defer c.worker.Done()

		err := c.srv.dispatcher.Serve(c.ctx, c.sess, c)
		c.busy.Store(false)
		if err != nil {
			if !util.IsClosedConnErr(errors.Cause(err)) && c.ctx.Err() == nil {
				c.log.Warn("%s: cycle aborted: %v", c.peer, err)
				c.srv.metrics.RecordError(kindName(err), err.Error())
			}
			c.rwc.Close()
			return
		}
		if c.srv.shuttingDown() {
			c.rwc.Close()
			return
		}
		// The I/O goroutine armed its read while the cycle ran; re-arm
		// for the connection's new state.
		c.setReadDeadline()
	}()
}

// shutdownRequested honours a Shutdown package: the connection always
// closes; the server stops only when allowed and the peer is local.
func (c *conn) shutdownRequested() {
	if !c.srv.opts.AllowShutdown {
		c.log.Warn("%s: shutdown request ignored (not allowed)", c.peer)
		return
	}
	if !util.IsLoopback(c.peer) {
		c.log.Warn("%s: shutdown request refused from non-loopback peer", c.peer)
		return
	}
	c.log.Info("%s: shutdown requested", c.peer)
	go c.srv.shutdownByPeer()
}

// ── Output ───────────────────────────────────────────────────────────

// WritePacket implements bridge.Output.
func (c *conn) WritePacket(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if t := c.srv.opts.WriteTimeout; t > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(t)) //nolint:errcheck
	}
	n, err := c.rwc.Write(p)
	c.srv.metrics.BytesSent(int64(n))
	if err != nil {
		return ajperr.Wrap("write", c.peer, err)
	}
	c.srv.metrics.PackageSent()
	if c.log.Enabled(util.LogDebug) && len(p) > ajp.HeaderSize {
		c.log.Debug("→ %s len=%d", ajp.Kind(p[ajp.HeaderSize]), len(p)-ajp.HeaderSize)
	}
	return nil
}

// KeepAlive implements bridge.Output.
func (c *conn) KeepAlive() bool { return !c.srv.shuttingDown() }

func (c *conn) writeControl(enc func([]byte) []byte) error {
	buf := util.GetPacketBuf()
	defer util.PutPacketBuf(buf)
	*buf = enc((*buf)[:0])
	return c.WritePacket(*buf)
}

// ── Deadlines and teardown ───────────────────────────────────────────

// setReadDeadline applies the timeout for what the connection is
// waiting on: the next cycle, the rest of a package or body, or nothing
// while a handler runs.  Both the I/O goroutine and the finishing
// worker call it; the last call sees the current state.
func (c *conn) setReadDeadline() {
	c.dmu.Lock()
	defer c.dmu.Unlock()

	var t time.Duration
	switch c.sess.State() {
	case session.AwaitingRequest:
		if c.partial.Load() || c.busy.Load() {
			t = c.srv.opts.ReadTimeout
		} else {
			t = c.srv.opts.IdleTimeout
		}
	case session.AccumulatingBody:
		t = c.srv.opts.ReadTimeout
	case session.Dispatching:
		t = 0
	}
	if t > 0 {
		c.rwc.SetReadDeadline(time.Now().Add(t)) //nolint:errcheck
	} else {
		c.rwc.SetReadDeadline(time.Time{}) //nolint:errcheck
	}
}

func (c *conn) readError(err error) error {
	midPackage := c.fr.Buffered() > 0 || c.fr.Pending()
	state := c.sess.State()

	switch {
	case util.IsTimeout(err):
		if state == session.AccumulatingBody || midPackage {
			cause := errors.Wrapf(ajperr.ErrSuspendTimeout, "no data from peer for %v", c.srv.opts.ReadTimeout)
			c.log.Warn("%s: %v", c.peer, cause)
			c.srv.metrics.RecordError(ajperr.ErrSuspendTimeout.Error(), cause.Error())
			return cause
		}
		c.log.Verbose("%s: idle timeout", c.peer)
		return ajperr.ErrTimeout
	case util.IsClosedConnErr(err):
		if state == session.AccumulatingBody || midPackage {
			cause := errors.Wrap(ajperr.ErrStreamTerminated, "peer closed mid-cycle")
			c.log.Warn("%s: %v", c.peer, cause)
			c.srv.metrics.RecordError(ajperr.ErrStreamTerminated.Error(), cause.Error())
			return cause
		}
		c.log.Verbose("%s: closed", c.peer)
		return ajperr.ErrStreamTerminated
	default:
		c.log.Warn("%s: read: %v", c.peer, err)
		return ajperr.Wrap("read", c.peer, err)
	}
}

func (c *conn) protocolError(err error) {
	c.log.Error("%s: %v", c.peer, err)
	c.srv.metrics.RecordError(kindName(err), err.Error())
}

// idle reports whether no cycle is in progress.
func (c *conn) idle() bool {
	return !c.busy.Load() && !c.partial.Load() && c.sess.State() == session.AwaitingRequest
}

// close tears the connection down: the in-flight handler observes
// stream termination on its body reads and writes, then the worker is
// awaited.
func (c *conn) close(cause error) {
	c.closed.Do(func() {
		c.cancel()
		c.rwc.Close() // unblocks a worker writing under the session lock
		c.sess.Abort(cause)
		c.worker.Wait()
		c.srv.untrack(c)
		c.log.Debug("%s: connection closed after %d cycles", c.peer, c.sess.Snapshot().Cycles)
	})
}

func kindName(err error) string {
	if k := ajperr.KindOf(err); k != nil {
		return k.Error()
	}
	return "other"
}
