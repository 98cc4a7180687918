package bridge

import (
	"bufio"
	"net/http"

	"github.com/pkg/errors"

	"ajpd/internal/ajp"
	ajperr "ajpd/internal/errors"
	"ajpd/internal/session"
	"ajpd/util"
)

// Output is the outbound side of a connection.
type Output interface {
	// WritePacket writes one complete packet.  Calls are serialized.
	WritePacket(p []byte) error

	// KeepAlive reports whether the connection may carry another
	// cycle; it becomes the EndResponse reuse flag.
	KeepAlive() bool
}

// Response encodes a handler's reply.  The first body write (or Flush,
// or the end of the handler) sends SendHeaders exactly once; body bytes
// are buffered and sent as SendBodyChunk packages of at most
// ajp.MaxSendChunk bytes.
//
// Response implements http.ResponseWriter and http.Flusher.
type Response struct {
	sess *session.Session
	out  Output

	header      http.Header
	status      int
	reason      string
	wroteHeader bool
	headersSent bool
	discard     bool // HEAD: count body bytes but send none

	bw      *bufio.Writer
	written int64
	err     error
}

// NewResponse returns a Response writing to out for the cycle in sess.
func NewResponse(sess *session.Session, out Output, method string) *Response {
	w := &Response{
		sess:    sess,
		out:     out,
		header:  make(http.Header),
		discard: method == http.MethodHead,
	}
	w.bw = bufio.NewWriterSize(chunkWriter{w}, ajp.MaxSendChunk)
	return w
}

// Header returns the response headers.  Changes after the headers are
// sent have no effect.
func (w *Response) Header() http.Header { return w.header }

// WriteHeader records the status.  Only the first call counts.
func (w *Response) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
}

// SetReason overrides the status reason phrase.
func (w *Response) SetReason(reason string) { w.reason = reason }

// Status returns the recorded status, 0 before WriteHeader.
func (w *Response) Status() int { return w.status }

// Written returns the number of body bytes accepted from the handler.
func (w *Response) Written() int64 { return w.written }

// HeadersSent reports whether SendHeaders has gone out.
func (w *Response) HeadersSent() bool { return w.headersSent }

// Write buffers p as response body.
func (w *Response) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if err := w.sendHeaders(); err != nil {
		return 0, err
	}
	if w.discard {
		w.written += int64(len(p))
		return len(p), nil
	}
	n, err := w.bw.Write(p)
	w.written += int64(n)
	if err != nil {
		w.err = err
	}
	return n, err
}

// Flush sends the headers and any buffered body.
func (w *Response) Flush() {
	w.flush() //nolint:errcheck
}

func (w *Response) flush() error {
	if w.err != nil {
		return w.err
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if err := w.sendHeaders(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *Response) sendHeaders() error {
	if w.headersSent {
		return nil
	}
	if !w.sess.MarkHeadersSent() {
		w.err = errors.Wrap(ajperr.ErrStreamTerminated, "cycle no longer accepts headers")
		return w.err
	}
	w.headersSent = true

	buf := util.GetPacketBuf()
	defer util.PutPacketBuf(buf)
	p, err := ajp.AppendSendHeaders(*buf, w.status, w.reason, w.header)
	if err != nil {
		w.err = err
		return err
	}
	*buf = p
	if err := w.out.WritePacket(p); err != nil {
		w.err = err
		return err
	}
	return nil
}

// reset drops everything not yet sent.  It reports false once headers
// are on the wire.
func (w *Response) reset() bool {
	if w.headersSent {
		return false
	}
	w.header = make(http.Header)
	w.wroteHeader = false
	w.status = 0
	w.reason = ""
	w.bw.Reset(chunkWriter{w})
	w.written = 0
	return true
}

// chunkWriter splits body bytes into SendBodyChunk packages.
type chunkWriter struct{ w *Response }

func (c chunkWriter) Write(p []byte) (int, error) {
	buf := util.GetPacketBuf()
	defer util.PutPacketBuf(buf)

	total := 0
	for len(p) > 0 {
		n := min(len(p), ajp.MaxSendChunk)
		pkt, err := ajp.AppendSendBodyChunk((*buf)[:0], p[:n])
		if err != nil {
			return total, err
		}
		*buf = pkt
		if err := c.w.out.WritePacket(pkt); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}
