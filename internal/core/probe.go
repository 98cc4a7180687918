package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ajpd/internal/ajp"
	"ajpd/internal/retry"
	"ajpd/internal/transport"
	"ajpd/util"
)

// ProbeMode plays the web server against a container: it sends a
// CPing and, when Path is set, one request, printing the response.
// With Count > 1 the probe repeats every Interval on a fresh
// connection; after three consecutive failures further probes are
// skipped until the container has had a few intervals to recover.
type ProbeMode struct {
	Dialer   transport.Dialer
	Address  string // container "host:port"
	Path     string // "" probes with CPing only
	Method   string
	Secret   string
	Count    int
	Interval time.Duration
	Timeout  time.Duration // per probe, dial included
	Logger   *util.Logger

	// Out defaults to os.Stdout when nil.
	Out io.Writer
}

func (m *ProbeMode) out() io.Writer {
	if m.Out != nil {
		return m.Out
	}
	return os.Stdout
}

// Run performs the probes.  It fails when any probe fails.
func (m *ProbeMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()
	if m.Logger == nil {
		m.Logger = util.Discard()
	}

	count := max(m.Count, 1)
	breaker := retry.NewBreaker(retry.BreakerConfig{
		MaxFailures: 3,
		Cooldown:    3 * m.Interval,
		OnStateChange: func(from, to retry.State) {
			m.Logger.Verbose("probe circuit %s → %s", from, to)
		},
	})

	failed := 0
	for i := 1; i <= count; i++ {
		if i > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.Interval):
			}
		}
		err := breaker.Execute(func() error { return m.probe(ctx) })
		if err == nil {
			continue
		}
		if count == 1 {
			return err
		}
		failed++
		m.Logger.Warn("probe %d/%d: %v", i, count, err)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d probes failed", failed, count)
	}
	return nil
}

func (m *ProbeMode) probe(ctx context.Context) error {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := m.Dialer.Dial(ctx, "tcp", m.Address)
	if err != nil {
		return err
	}
	c := ajp.NewClient(conn)
	defer c.Close()

	if err := c.CPing(ctx); err != nil {
		return errors.Wrapf(err, "cping %s", m.Address)
	}
	rtt := time.Since(start)
	m.Logger.Verbose("cpong from %s in %v", m.Address, rtt.Round(time.Microsecond))
	if m.Path == "" {
		fmt.Fprintf(m.out(), "%s: cpong in %v\n", m.Address, rtt.Round(time.Microsecond))
		return nil
	}

	resp, err := c.Do(ctx, m.request(conn))
	if err != nil {
		return errors.Wrapf(err, "%s %s", m.method(), m.Path)
	}
	m.print(resp)
	return nil
}

func (m *ProbeMode) method() string {
	if m.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m.Method)
}

// request builds the forward request a proxy would send for Path.
func (m *ProbeMode) request(conn net.Conn) *ajp.ClientRequest {
	uri, query, _ := strings.Cut(m.Path, "?")
	host, portStr, err := net.SplitHostPort(m.Address)
	if err != nil {
		host = m.Address
	}
	port, _ := strconv.Atoi(portStr)

	local := util.PeerIP(conn.LocalAddr())
	return &ajp.ClientRequest{ForwardRequest: ajp.ForwardRequest{
		Method:      m.method(),
		Protocol:    "HTTP/1.1",
		RequestURI:  uri,
		QueryString: query,
		RemoteAddr:  local,
		RemoteHost:  local,
		ServerName:  host,
		ServerPort:  port,
		Secret:      m.Secret,
		Header: http.Header{
			"Host":       {m.Address},
			"User-Agent": {"ajpd-probe"},
			"Accept":     {"*/*"},
		},
		ContentLength: -1,
	}}
}

func (m *ProbeMode) print(resp *ajp.ClientResponse) {
	w := m.out()
	reason := resp.Reason
	if reason == "" {
		reason = http.StatusText(resp.Status)
	}
	fmt.Fprintf(w, "%d %s\n", resp.Status, reason)

	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
	fmt.Fprintln(w)
	w.Write(resp.Body) //nolint:errcheck
	m.Logger.Verbose("%d body bytes in %d chunks, reuse=%v", len(resp.Body), resp.Chunks, resp.Reuse)
}
