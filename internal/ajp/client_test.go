package ajp

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContainer is the container end of a net.Pipe, scripted by tests.
type fakeContainer struct {
	t    *testing.T
	conn net.Conn
	fr   *FrameReader
	buf  []byte
}

func newPipe(t *testing.T) (*Client, *fakeContainer) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewClient(a), &fakeContainer{t: t, conn: b, fr: NewFrameReader(ServerMagic), buf: make([]byte, 512)}
}

func (f *fakeContainer) next() []byte {
	for {
		p, ok, err := f.fr.Next()
		if err != nil {
			f.t.Error(err)
			return nil
		}
		if ok {
			return append([]byte(nil), p...)
		}
		n, err := f.conn.Read(f.buf)
		if err != nil {
			return nil // closed by the test
		}
		f.fr.Write(f.buf[:n]) //nolint:errcheck
	}
}

func (f *fakeContainer) send(b []byte) {
	if _, err := f.conn.Write(b); err != nil {
		f.t.Error(err)
	}
}

func TestClient_CPing(t *testing.T) {
	defer leaktest.Check(t)()

	c, srv := newPipe(t)
	go func() {
		p := srv.next()
		assert.Equal(t, []byte{byte(KindCPing)}, p)
		srv.send(AppendCPong(nil))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.CPing(ctx))
}

func TestClient_CPingTimeout(t *testing.T) {
	c, srv := newPipe(t)
	go srv.next()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.CPing(ctx))
}

func TestClient_Do(t *testing.T) {
	defer leaktest.Check(t)()

	c, srv := newPipe(t)
	done := make(chan struct{})
	go func() {
		defer close(done)

		p := srv.next()
		fr, err := DecodeForwardRequest(p)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "PUT", fr.Method)
		assert.Equal(t, int64(10), fr.ContentLength)

		var body []byte
		chunk, _ := DecodeBodyChunk(srv.next())
		body = append(body, chunk...)
		for len(body) < 10 {
			srv.send(AppendGetBodyChunk(nil, 10-len(body)))
			chunk, _ = DecodeBodyChunk(srv.next())
			body = append(body, chunk...)
		}
		assert.Equal(t, "0123456789", string(body))

		b, _ := AppendSendHeaders(nil, 201, "", http.Header{"Location": {"/r/1"}})
		b, _ = AppendSendBodyChunk(b, []byte("made "))
		b, _ = AppendSendBodyChunk(b, []byte("it"))
		b = AppendEndResponse(b, true)
		srv.send(b)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Do(ctx, &ClientRequest{
		ForwardRequest: ForwardRequest{Method: "PUT", RequestURI: "/r", ContentLength: -1},
		Body:           []byte("0123456789"),
		ChunkSize:      4,
	})
	require.NoError(t, err)
	<-done

	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "Created", resp.Reason)
	assert.Equal(t, "/r/1", resp.Header.Get("Location"))
	assert.Equal(t, "made it", string(resp.Body))
	assert.Equal(t, 2, resp.Chunks)
	assert.True(t, resp.Reuse)
}

func TestClient_DoUnexpectedPackage(t *testing.T) {
	c, srv := newPipe(t)
	go func() {
		srv.next()
		srv.send(AppendCPong(nil))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Do(ctx, &ClientRequest{ForwardRequest: ForwardRequest{Method: "GET", ContentLength: -1}})
	assert.Error(t, err)
}
