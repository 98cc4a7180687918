package bridge

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ajpd/internal/ajp"
	ajperr "ajpd/internal/errors"
	"ajpd/internal/metrics"
	"ajpd/internal/session"
)

// recorder is an Output that keeps every packet written to it.
type recorder struct {
	mu        sync.Mutex
	packets   [][]byte
	keepAlive bool
}

func (r *recorder) WritePacket(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, append([]byte(nil), p...))
	return nil
}

func (r *recorder) KeepAlive() bool { return r.keepAlive }

// payloads checks framing and returns the payloads in order.
func (r *recorder) payloads(t *testing.T) [][]byte {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, 0, len(r.packets))
	for _, p := range r.packets {
		require.LessOrEqual(t, len(p), ajp.MaxPacketSize)
		n, err := ajp.ParseHeader(p, ajp.ContainerMagic)
		require.NoError(t, err)
		require.Equal(t, len(p)-ajp.HeaderSize, n)
		out = append(out, p[ajp.HeaderSize:])
	}
	return out
}

type reply struct {
	status  int
	reason  string
	header  http.Header
	body    []byte
	chunks  int
	ends    int
	reuse   bool
	headers int
}

func (r *recorder) reply(t *testing.T) reply {
	t.Helper()
	var rep reply
	for _, p := range r.payloads(t) {
		switch ajp.Kind(p[0]) {
		case ajp.KindSendHeaders:
			rep.headers++
			status, reason, h, err := ajp.DecodeSendHeaders(p)
			require.NoError(t, err)
			rep.status, rep.reason, rep.header = status, reason, h
		case ajp.KindSendBodyChunk:
			require.Equal(t, 1, rep.headers, "body chunk before headers")
			data, err := ajp.DecodeSendBodyChunk(p)
			require.NoError(t, err)
			rep.body = append(rep.body, data...)
			rep.chunks++
		case ajp.KindEndResponse:
			rep.ends++
			rep.reuse = p[1] == 1
		default:
			t.Fatalf("unexpected package %s", ajp.Kind(p[0]))
		}
	}
	return rep
}

type routes map[string]Handler

func (m routes) Resolve(path string) (Handler, string, bool) {
	h, ok := m[path]
	return h, path, ok
}

// cycle returns a session ready for dispatch.
func cycle(t *testing.T, fr *ajp.ForwardRequest, body string) *session.Session {
	t.Helper()
	if body != "" {
		fr.ContentLength = int64(len(body))
	}
	s := session.New(session.Options{})
	b, err := ajp.AppendForwardRequest(nil, fr)
	require.NoError(t, err)
	_, act, err := s.Accept(b[ajp.HeaderSize:])
	require.NoError(t, err)
	if body != "" {
		c, err := ajp.AppendBodyChunk(nil, []byte(body))
		require.NoError(t, err)
		_, act, err = s.Accept(c[ajp.HeaderSize:])
		require.NoError(t, err)
	}
	require.True(t, act.Dispatch)
	return s
}

func get(path string) *ajp.ForwardRequest {
	return &ajp.ForwardRequest{Method: "GET", Protocol: "HTTP/1.1", RequestURI: path, ContentLength: -1}
}

func TestServe_Hello(t *testing.T) {
	out := &recorder{keepAlive: true}
	m := metrics.New()
	d := &Dispatcher{Metrics: m, Resolver: routes{
		"/hello": HandlerFunc(func(w *Response, r *Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("hello")) //nolint:errcheck
		}),
	}}
	s := cycle(t, get("/hello"), "")

	require.NoError(t, d.Serve(context.Background(), s, out))

	rep := out.reply(t)
	assert.Equal(t, 200, rep.status)
	assert.Equal(t, "OK", rep.reason)
	assert.Equal(t, "text/plain", rep.header.Get("Content-Type"))
	assert.Equal(t, "hello", string(rep.body))
	assert.Equal(t, 1, rep.headers)
	assert.Equal(t, 1, rep.ends)
	assert.True(t, rep.reuse)

	assert.Equal(t, session.AwaitingRequest, s.State())
	assert.Equal(t, uint64(1), s.Snapshot().Cycles)
	assert.Equal(t, int64(1), m.TotalCycles())
	assert.Zero(t, m.ActiveCycles())
}

func TestServe_EmptyHandlerSends200(t *testing.T) {
	out := &recorder{}
	d := &Dispatcher{Resolver: routes{"/": HandlerFunc(func(w *Response, r *Request) {})}}
	require.NoError(t, d.Serve(context.Background(), cycle(t, get("/"), ""), out))

	rep := out.reply(t)
	assert.Equal(t, 200, rep.status)
	assert.Zero(t, rep.chunks)
	assert.Equal(t, 1, rep.ends)
	assert.False(t, rep.reuse)
}

func TestServe_NotFound(t *testing.T) {
	out := &recorder{}
	m := metrics.New()
	d := &Dispatcher{Metrics: m, Resolver: routes{}}
	s := cycle(t, get("/missing"), "")

	require.NoError(t, d.Serve(context.Background(), s, out))
	assert.Equal(t, 404, out.reply(t).status)
	assert.Equal(t, int64(1), m.Snapshot().Status["4xx"])
}

func TestServe_SecretMismatch(t *testing.T) {
	called := false
	d := &Dispatcher{Secret: "s3cret", Resolver: routes{
		"/": HandlerFunc(func(w *Response, r *Request) { called = true }),
	}}

	out := &recorder{}
	require.NoError(t, d.Serve(context.Background(), cycle(t, get("/"), ""), out))
	assert.Equal(t, 403, out.reply(t).status)
	assert.False(t, called)

	fr := get("/")
	fr.Secret = "s3cret"
	out = &recorder{}
	require.NoError(t, d.Serve(context.Background(), cycle(t, fr, ""), out))
	assert.Equal(t, 200, out.reply(t).status)
	assert.True(t, called)
}

func TestServe_LargeBodyIsChunked(t *testing.T) {
	payload := strings.Repeat("x", 2*ajp.MaxSendChunk+100)
	out := &recorder{}
	d := &Dispatcher{Resolver: routes{"/big": HandlerFunc(func(w *Response, r *Request) {
		for i := 0; i < len(payload); i += 1000 {
			w.Write([]byte(payload[i:min(i+1000, len(payload))])) //nolint:errcheck
		}
	})}}
	require.NoError(t, d.Serve(context.Background(), cycle(t, get("/big"), ""), out))

	rep := out.reply(t)
	assert.Equal(t, 3, rep.chunks)
	assert.Equal(t, payload, string(rep.body))
	assert.Equal(t, 1, rep.ends)
}

func TestServe_Head(t *testing.T) {
	fr := get("/")
	fr.Method = "HEAD"
	out := &recorder{}
	var written int64
	d := &Dispatcher{Resolver: routes{"/": HandlerFunc(func(w *Response, r *Request) {
		w.Write([]byte("ignored")) //nolint:errcheck
		written = w.Written()
	})}}
	require.NoError(t, d.Serve(context.Background(), cycle(t, fr, ""), out))

	rep := out.reply(t)
	assert.Equal(t, 200, rep.status)
	assert.Zero(t, rep.chunks)
	assert.Equal(t, int64(7), written)
}

func TestServe_PanicBeforeHeaders(t *testing.T) {
	out := &recorder{}
	m := metrics.New()
	d := &Dispatcher{Metrics: m, Resolver: routes{"/": HandlerFunc(func(w *Response, r *Request) {
		w.Header().Set("X-Partial", "1")
		panic("boom")
	})}}
	s := cycle(t, get("/"), "")
	require.NoError(t, d.Serve(context.Background(), s, out))

	rep := out.reply(t)
	assert.Equal(t, 500, rep.status)
	assert.Empty(t, rep.header.Get("X-Partial"))
	assert.Equal(t, 1, rep.ends)
	assert.Equal(t, int64(1), m.Snapshot().HandlerPanics)
	assert.Equal(t, session.AwaitingRequest, s.State())
}

func TestServe_PanicAfterHeaders(t *testing.T) {
	out := &recorder{}
	d := &Dispatcher{Resolver: routes{"/": HandlerFunc(func(w *Response, r *Request) {
		w.Write([]byte("partial")) //nolint:errcheck
		panic("boom")
	})}}
	err := d.Serve(context.Background(), cycle(t, get("/"), ""), out)

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.Zero(t, out.reply(t).ends)
}

func TestServe_AbortHandler(t *testing.T) {
	d := &Dispatcher{Resolver: routes{"/": HandlerFunc(func(w *Response, r *Request) {
		panic(http.ErrAbortHandler)
	})}}
	err := d.Serve(context.Background(), cycle(t, get("/"), ""), &recorder{})
	assert.ErrorIs(t, err, ajperr.ErrStreamTerminated)
}

func TestServe_DrainsUnreadBody(t *testing.T) {
	fr := get("/upload")
	fr.Method = "POST"
	out := &recorder{}
	d := &Dispatcher{Resolver: routes{"/upload": HandlerFunc(func(w *Response, r *Request) {
		w.WriteHeader(http.StatusAccepted)
	})}}
	s := cycle(t, fr, "unread body")
	body := s.Body()
	require.NoError(t, d.Serve(context.Background(), s, out))

	assert.Equal(t, 202, out.reply(t).status)
	assert.Equal(t, int64(len("unread body")), body.Consumed())
}

func TestServe_EchoBody(t *testing.T) {
	fr := get("/echo")
	fr.Method = "POST"
	out := &recorder{}
	d := &Dispatcher{Resolver: routes{"/echo": HandlerFunc(func(w *Response, r *Request) {
		io.Copy(w, r.Body) //nolint:errcheck
	})}}
	require.NoError(t, d.Serve(context.Background(), cycle(t, fr, "ping"), out))
	assert.Equal(t, "ping", string(out.reply(t).body))
}

func TestServe_AbortedSession(t *testing.T) {
	s := cycle(t, get("/"), "")
	s.Abort(nil)
	d := &Dispatcher{Resolver: routes{"/": HandlerFunc(func(w *Response, r *Request) {})}}
	err := d.Serve(context.Background(), s, &recorder{})
	assert.ErrorIs(t, err, ajperr.ErrStreamTerminated)
}

func TestServe_RecordsHandlerID(t *testing.T) {
	s := cycle(t, get("/hello"), "")
	var id string
	d := &Dispatcher{Resolver: routes{"/hello": HandlerFunc(func(w *Response, r *Request) {
		id = s.Snapshot().HandlerID
	})}}
	require.NoError(t, d.Serve(context.Background(), s, &recorder{}))
	assert.Equal(t, "/hello", id)
}
