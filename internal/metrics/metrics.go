// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of an ajpd server.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for an ajpd server.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	packagesIn        atomic.Int64
	packagesOut       atomic.Int64
	cyclesActive      atomic.Int64
	cyclesTotal       atomic.Int64
	pings             atomic.Int64
	handlerPanics     atomic.Int64
	tunnelReconnects  atomic.Int64
	errorsTotal       atomic.Int64
	status            [6]atomic.Int64 // index = status / 100

	mu           sync.RWMutex
	startTime    time.Time
	errorKinds   map[string]int64
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), errorKinds: make(map[string]int64)}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// PackageReceived counts one framed inbound package.
func (c *Collector) PackageReceived() {
	if c == nil {
		return
	}
	c.packagesIn.Add(1)
}

// PackageSent counts one outbound package.
func (c *Collector) PackageSent() {
	if c == nil {
		return
	}
	c.packagesOut.Add(1)
}

// ── Cycle metrics ────────────────────────────────────────────────────

// CycleStarted records a handler dispatch.
func (c *Collector) CycleStarted() {
	if c == nil {
		return
	}
	c.cyclesActive.Add(1)
	c.cyclesTotal.Add(1)
}

// CycleFinished records the end of a dispatched cycle with its status.
// A status of 0 means the cycle ended without a response.
func (c *Collector) CycleFinished(status int) {
	if c == nil {
		return
	}
	c.cyclesActive.Add(-1)
	if i := status / 100; i >= 1 && i < len(c.status) {
		c.status[i].Add(1)
	}
}

// ActiveCycles returns the number of handlers currently running.
func (c *Collector) ActiveCycles() int64 {
	if c == nil {
		return 0
	}
	return c.cyclesActive.Load()
}

// TotalCycles returns the lifetime dispatch count.
func (c *Collector) TotalCycles() int64 {
	if c == nil {
		return 0
	}
	return c.cyclesTotal.Load()
}

// Ping records a Ping or CPing answered with CPong.
func (c *Collector) Ping() {
	if c == nil {
		return
	}
	c.pings.Add(1)
}

// HandlerPanic records a recovered handler panic.
func (c *Collector) HandlerPanic() {
	if c == nil {
		return
	}
	c.handlerPanics.Add(1)
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records a tunnel reconnection event.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter for kind and stores the
// message.  kind is a short label such as "framing error"; "" counts
// only toward the total.
func (c *Collector) RecordError(kind, msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	if kind != "" {
		c.errorKinds[kind]++
	}
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ErrorsOfKind returns the number of errors recorded under kind.
func (c *Collector) ErrorsOfKind(kind string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorKinds[kind]
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string           `json:"uptime"`
	ConnectionsActive int64            `json:"connections_active"`
	ConnectionsTotal  int64            `json:"connections_total"`
	BytesIn           int64            `json:"bytes_in"`
	BytesOut          int64            `json:"bytes_out"`
	PackagesIn        int64            `json:"packages_in"`
	PackagesOut       int64            `json:"packages_out"`
	CyclesActive      int64            `json:"cycles_active"`
	CyclesTotal       int64            `json:"cycles_total"`
	Status            map[string]int64 `json:"status,omitempty"`
	Pings             int64            `json:"pings"`
	HandlerPanics     int64            `json:"handler_panics"`
	TunnelReconnects  int64            `json:"tunnel_reconnects"`
	ErrorsTotal       int64            `json:"errors_total"`
	ErrorKinds        []KindCount      `json:"error_kinds,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	LastErrorMessage  string           `json:"last_error_message,omitempty"`
}

// KindCount is one entry of Snapshot.ErrorKinds.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		PackagesIn:        c.packagesIn.Load(),
		PackagesOut:       c.packagesOut.Load(),
		CyclesActive:      c.cyclesActive.Load(),
		CyclesTotal:       c.cyclesTotal.Load(),
		Pings:             c.pings.Load(),
		HandlerPanics:     c.handlerPanics.Load(),
		TunnelReconnects:  c.tunnelReconnects.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	for i := 1; i < len(c.status); i++ {
		if n := c.status[i].Load(); n > 0 {
			if s.Status == nil {
				s.Status = make(map[string]int64)
			}
			s.Status[string(rune('0'+i))+"xx"] = n
		}
	}
	for k, n := range c.errorKinds {
		s.ErrorKinds = append(s.ErrorKinds, KindCount{Kind: k, Count: n})
	}
	sort.Slice(s.ErrorKinds, func(i, j int) bool { return s.ErrorKinds[i].Kind < s.ErrorKinds[j].Kind })
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
