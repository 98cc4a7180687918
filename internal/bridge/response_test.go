package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ajperr "ajpd/internal/errors"
)

func TestResponse_HeadersSentOnce(t *testing.T) {
	out := &recorder{}
	s := cycle(t, get("/"), "")
	w := NewResponse(s, out, "GET")

	w.WriteHeader(http.StatusCreated)
	w.WriteHeader(http.StatusTeapot)
	_, err := w.Write([]byte("a"))
	require.NoError(t, err)
	w.Header().Set("X-Late", "1")
	_, err = w.Write([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, w.flush())

	rep := out.reply(t)
	assert.Equal(t, 1, rep.headers)
	assert.Equal(t, 201, rep.status)
	assert.Empty(t, rep.header.Get("X-Late"))
	assert.Equal(t, "ab", string(rep.body))
	assert.True(t, w.HeadersSent())
	assert.True(t, s.HeadersSent())
	assert.Equal(t, int64(2), w.Written())
}

func TestResponse_Reason(t *testing.T) {
	out := &recorder{}
	w := NewResponse(cycle(t, get("/"), ""), out, "GET")
	w.SetReason("Fine")
	require.NoError(t, w.flush())
	assert.Equal(t, "Fine", out.reply(t).reason)
}

func TestResponse_Flusher(t *testing.T) {
	out := &recorder{}
	w := NewResponse(cycle(t, get("/"), ""), out, "GET")
	var hw http.ResponseWriter = w
	f, ok := hw.(http.Flusher)
	require.True(t, ok)

	fmt.Fprint(w, "part")
	assert.Empty(t, out.reply(t).body, "body stays buffered until flush")
	f.Flush()
	assert.Equal(t, "part", string(out.reply(t).body))
}

func TestResponse_AfterAbort(t *testing.T) {
	s := cycle(t, get("/"), "")
	w := NewResponse(s, &recorder{}, "GET")
	s.Abort(nil)

	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ajperr.ErrStreamTerminated)
	_, err = w.Write([]byte("y"))
	assert.ErrorIs(t, err, ajperr.ErrStreamTerminated)
}

func TestHTTPHandler(t *testing.T) {
	fr := get("/api/items")
	fr.QueryString = "id=7"
	fr.Header = http.Header{"X-Trace": {"abc"}}
	out := &recorder{}

	h := HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"path":%q,"id":%q,"trace":%q}`, r.URL.Path, r.URL.Query().Get("id"), r.Header.Get("X-Trace"))
	}))
	d := &Dispatcher{Resolver: routes{"/api/items": h}}
	require.NoError(t, d.Serve(context.Background(), cycle(t, fr, ""), out))

	rep := out.reply(t)
	assert.Equal(t, "application/json", rep.header.Get("Content-Type"))
	assert.JSONEq(t, `{"path":"/api/items","id":"7","trace":"abc"}`, string(rep.body))
}

func TestHTTPHandler_ReadsBody(t *testing.T) {
	fr := get("/up")
	fr.Method = "PUT"
	out := &recorder{}
	h := HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%d:%s", r.ContentLength, b)
	}))
	d := &Dispatcher{Resolver: routes{"/up": h}}
	require.NoError(t, d.Serve(context.Background(), cycle(t, fr, "data"), out))
	assert.Equal(t, "4:data", string(out.reply(t).body))
}
