// Package handler holds the handler registry and the built-in
// handlers ajpd can mount.  Each handler encapsulates a single
// behaviour (echo the request, report metrics, serve files, run a CGI
// program) and operates on a bridge.Request rather than the raw
// connection, which keeps handlers testable and decoupled from the
// wire protocol.
package handler

import (
	"sort"
	"strings"
	"sync"

	"ajpd/internal/bridge"
)

// Mux resolves a request path to the handler mounted at its longest
// matching prefix.  A prefix matches a path equal to it or continuing
// with "/"; the prefix "/" matches every path.  Mux is safe for
// concurrent use and is read-mostly once the server is running.
type Mux struct {
	mu      sync.RWMutex
	entries []entry // longest prefix first
}

type entry struct {
	prefix string
	h      bridge.Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux { return &Mux{} }

// Handle mounts h at prefix, replacing any handler already there.
// Trailing slashes are ignored, so "/app/" and "/app" are the same
// mount point.
func (m *Mux) Handle(prefix string, h bridge.Handler) {
	prefix = clean(prefix)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].prefix == prefix {
			m.entries[i].h = h
			return
		}
	}
	m.entries = append(m.entries, entry{prefix: prefix, h: h})
	sort.SliceStable(m.entries, func(i, j int) bool {
		return len(m.entries[i].prefix) > len(m.entries[j].prefix)
	})
}

// HandleFunc mounts f at prefix.
func (m *Mux) HandleFunc(prefix string, f func(w *bridge.Response, r *bridge.Request)) {
	m.Handle(prefix, bridge.HandlerFunc(f))
}

// Remove unmounts prefix and reports whether it was mounted.
func (m *Mux) Remove(prefix string) bool {
	prefix = clean(prefix)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].prefix == prefix {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Prefixes returns the mount points, longest first.
func (m *Mux) Prefixes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.prefix
	}
	return out
}

// Resolve implements bridge.Resolver.  The id is the matched prefix.
func (m *Mux) Resolve(path string) (bridge.Handler, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if match(e.prefix, path) {
			return e.h, e.prefix, true
		}
	}
	return nil, "", false
}

func clean(prefix string) string {
	return "/" + strings.Trim(prefix, "/")
}

func match(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
