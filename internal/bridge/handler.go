// Package bridge connects a decoded AJP cycle to application code.
//
// A Handler receives a Request assembled from the forward request and
// the session's body pipe, and answers through a Response that encodes
// SendHeaders, SendBodyChunk and EndResponse packages.  Any
// net/http handler can be mounted through HTTPHandler.
package bridge

import (
	"net/http"
)

// Handler serves one cycle.
type Handler interface {
	ServeAJP(w *Response, r *Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w *Response, r *Request)

// ServeAJP calls f(w, r).
func (f HandlerFunc) ServeAJP(w *Response, r *Request) { f(w, r) }

// Resolver maps a request path to its handler.  id names the binding
// (typically the mount prefix) and is recorded on the session.
type Resolver interface {
	Resolve(path string) (h Handler, id string, ok bool)
}

// HTTPHandler mounts a net/http handler.
func HTTPHandler(h http.Handler) Handler {
	return HandlerFunc(func(w *Response, r *Request) {
		h.ServeHTTP(w, r.HTTPRequest())
	})
}

// Error replies with status and a short plain-text body.
func Error(w *Response, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write([]byte(http.StatusText(status) + "\n")) //nolint:errcheck
}

// NotFound replies 404.
var NotFound = HandlerFunc(func(w *Response, r *Request) { Error(w, http.StatusNotFound) })

// Forbidden replies 403.
var Forbidden = HandlerFunc(func(w *Response, r *Request) { Error(w, http.StatusForbidden) })
