package handler

import (
	"net/http"

	"ajpd/internal/bridge"
	"ajpd/internal/metrics"
)

// Status reports the server's metrics snapshot as JSON.
type Status struct {
	Metrics *metrics.Collector
}

// ServeAJP implements bridge.Handler.
func (s *Status) ServeAJP(w *bridge.Response, r *bridge.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		bridge.Error(w, http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.Metrics.JSON() + "\n")) //nolint:errcheck
}
