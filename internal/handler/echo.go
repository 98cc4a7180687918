package handler

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"ajpd/internal/bridge"
)

// Echo writes the request back: a GET without a body gets a plain-text
// summary of the request line, headers and attributes; any request
// with a body gets the body itself, streamed as it arrives.
type Echo struct{}

// ServeAJP implements bridge.Handler.
func (Echo) ServeAJP(w *bridge.Response, r *bridge.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	if r.HasBody() {
		if r.ContentLength >= 0 {
			w.Header().Set("Content-Length", fmt.Sprint(r.ContentLength))
		}
		if _, err := io.Copy(w, r.Body); err != nil {
			// Headers may already be out; nothing more to tell the peer.
			return
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s %s %s\n", r.Method, r.URL().RequestURI(), r.Protocol)
	for _, k := range sortedKeys(r.Header) {
		for _, v := range r.Header[k] {
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
	if len(r.Attributes) > 0 || r.RemoteAddr != "" {
		fmt.Fprintln(w)
	}
	if r.RemoteAddr != "" {
		fmt.Fprintf(w, "remote_addr: %s\n", r.RemoteAddr)
	}
	names := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "%s: %s\n", k, r.Attributes[k])
	}
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
