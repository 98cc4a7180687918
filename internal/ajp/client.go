package ajp

import (
	"context"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/pkg/errors"

	ajperr "ajpd/internal/errors"
)

// Client speaks the web server side of the protocol over one
// connection.  It drives probes and tests; cycles on one Client must
// not overlap.
type Client struct {
	conn net.Conn
	fr   *FrameReader
	rbuf []byte
	wbuf []byte
}

// ClientRequest is a forward request plus its body.
type ClientRequest struct {
	ForwardRequest

	// Body is sent as body chunks.  When ContentLength is negative and
	// Body is non-nil, ContentLength becomes len(Body).
	Body []byte

	// ChunkSize caps the data per body chunk (default MaxBodyRequest).
	ChunkSize int
}

// ClientResponse is one complete response.
type ClientResponse struct {
	Status int
	Reason string
	Header http.Header
	Body   []byte
	Reuse  bool // EndResponse reuse flag
	Chunks int  // number of SendBodyChunk packages
}

// NewClient wraps conn.  The Client takes ownership of conn.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		fr:   NewFrameReader(ContainerMagic),
		rbuf: make([]byte, MaxPacketSize),
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// CPing sends a CPing and waits for the CPong.
func (c *Client) CPing(ctx context.Context) error {
	defer c.watch(ctx)()
	if err := c.write(AppendControl(c.wbuf[:0], KindCPing)); err != nil {
		return err
	}
	payload, err := c.readPacket()
	if err != nil {
		return err
	}
	if len(payload) != 1 || Kind(payload[0]) != KindCPong {
		return errors.Wrapf(ajperr.ErrUnknownPackageType, "expected cpong, got %d bytes", len(payload))
	}
	return nil
}

// Shutdown sends a Shutdown package.  No reply is expected.
func (c *Client) Shutdown(ctx context.Context) error {
	defer c.watch(ctx)()
	return c.write(AppendControl(c.wbuf[:0], KindShutdown))
}

// Do runs one request/response cycle.
func (c *Client) Do(ctx context.Context, req *ClientRequest) (*ClientResponse, error) {
	defer c.watch(ctx)()

	fr := req.ForwardRequest
	if fr.ContentLength < 0 && req.Body != nil {
		fr.ContentLength = int64(len(req.Body))
	}
	if fr.Header == nil {
		fr.Header = make(http.Header)
	}
	chunk := req.ChunkSize
	if chunk <= 0 || chunk > MaxBodyRequest {
		chunk = MaxBodyRequest
	}

	b, err := AppendForwardRequest(c.wbuf[:0], &fr)
	if err != nil {
		return nil, err
	}
	body := req.Body
	if fr.ContentLength > 0 || len(body) > 0 {
		n := min(chunk, len(body))
		if b, err = AppendBodyChunk(b, body[:n]); err != nil {
			return nil, err
		}
		body = body[n:]
	}
	if err := c.write(b); err != nil {
		return nil, err
	}

	resp := &ClientResponse{Header: make(http.Header)}
	for {
		payload, err := c.readPacket()
		if err != nil {
			return resp, err
		}
		if len(payload) == 0 {
			return resp, errors.Wrap(ajperr.ErrTypeNotANumber, "empty response package")
		}
		switch k := Kind(payload[0]); k {
		case KindSendHeaders:
			status, reason, h, err := DecodeSendHeaders(payload)
			if err != nil {
				return resp, err
			}
			resp.Status, resp.Reason, resp.Header = status, reason, h
		case KindSendBodyChunk:
			data, err := DecodeSendBodyChunk(payload)
			if err != nil {
				return resp, err
			}
			resp.Body = append(resp.Body, data...)
			resp.Chunks++
		case KindGetBodyChunk:
			d := &decoder{b: payload, off: 1}
			want, err := d.u16()
			if err != nil {
				return resp, err
			}
			n := min(int(want), chunk, len(body))
			b, err := AppendBodyChunk(c.wbuf[:0], body[:n])
			if err != nil {
				return resp, err
			}
			body = body[n:]
			if err := c.write(b); err != nil {
				return resp, err
			}
		case KindEndResponse:
			resp.Reuse = len(payload) > 1 && payload[1] != 0
			return resp, nil
		default:
			return resp, errors.Wrapf(ajperr.ErrUnknownPackageType, "unexpected %s", k)
		}
	}
}

// WriteRaw sends b unchanged.  Tests use it to inject malformed input.
func (c *Client) WriteRaw(ctx context.Context, b []byte) error {
	defer c.watch(ctx)()
	return c.write(b)
}

// ReadPacket returns the next raw payload from the container.  The
// slice is valid until the next call on c.
func (c *Client) ReadPacket(ctx context.Context) ([]byte, error) {
	defer c.watch(ctx)()
	return c.readPacket()
}

func (c *Client) write(b []byte) error {
	c.wbuf = b[:0]
	_, err := c.conn.Write(b)
	return errors.WithStack(err)
}

func (c *Client) readPacket() ([]byte, error) {
	for {
		payload, ok, err := c.fr.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		n, err := c.conn.Read(c.rbuf)
		if n > 0 {
			c.fr.Write(c.rbuf[:n]) //nolint:errcheck
			continue
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
}

// watch applies ctx's deadline and cancellation to the connection and
// returns a func that undoes both.
func (c *Client) watch(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now()) //nolint:errcheck
	})
	return func() {
		stop()
		c.conn.SetDeadline(time.Time{}) //nolint:errcheck
	}
}

// DecodeSendHeaders parses a SendHeaders payload, type byte included.
func DecodeSendHeaders(payload []byte) (status int, reason string, h http.Header, err error) {
	if len(payload) == 0 || Kind(payload[0]) != KindSendHeaders {
		return 0, "", nil, errors.Wrap(ajperr.ErrUnknownPackageType, "not a send-headers package")
	}
	d := &decoder{b: payload, off: 1}
	code, err := d.u16()
	if err != nil {
		return 0, "", nil, errors.Wrap(err, "status")
	}
	reason, _, err = d.str()
	if err != nil {
		return 0, "", nil, errors.Wrap(err, "reason")
	}
	n, err := d.u16()
	if err != nil {
		return 0, "", nil, errors.Wrap(err, "num_headers")
	}
	h = make(http.Header, n)
	for i := 0; i < int(n); i++ {
		name, err := d.header(responseHeaders)
		if err != nil {
			return 0, "", nil, errors.Wrapf(err, "header %d name", i)
		}
		value, _, err := d.str()
		if err != nil {
			return 0, "", nil, errors.Wrapf(err, "header %q value", name)
		}
		h.Add(textproto.CanonicalMIMEHeaderKey(name), value)
	}
	return int(code), reason, h, nil
}

// DecodeSendBodyChunk returns the data of a SendBodyChunk payload.
func DecodeSendBodyChunk(payload []byte) ([]byte, error) {
	if len(payload) == 0 || Kind(payload[0]) != KindSendBodyChunk {
		return nil, errors.Wrap(ajperr.ErrUnknownPackageType, "not a send-body-chunk package")
	}
	d := &decoder{b: payload, off: 1}
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	return d.bytesN(int(n))
}
