package core

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"ajpd/config"
	"ajpd/internal/bridge"
	ajperr "ajpd/internal/errors"
	"ajpd/internal/metrics"
	"ajpd/internal/retry"
	"ajpd/util"
)

// Options configure a Server.  Zero timeouts disable the corresponding
// deadline.
type Options struct {
	Resolver bridge.Resolver
	Logger   *util.Logger
	Metrics  *metrics.Collector

	ReadTimeout  time.Duration // rest of a package or body once started
	WriteTimeout time.Duration // each outbound package
	IdleTimeout  time.Duration // between cycles
	BodyTimeout  time.Duration // handler suspended on a body read
	GracePeriod  time.Duration // drain window for peer-requested shutdown

	MaxPacketSize     int
	EagerDispatch     bool
	LenientEmptyChunk bool
	AllowShutdown     bool
	Secret            string
}

// Server is the container context: it owns its listeners and
// connections and shares nothing with other Servers.
type Server struct {
	opts       Options
	log        *util.Logger
	metrics    *metrics.Collector
	dispatcher *bridge.Dispatcher

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	wg        sync.WaitGroup // connection goroutines

	nextID       atomic.Uint64
	inShutdown   atomic.Bool
	done         chan struct{}
	doneOnce     sync.Once
	shutdownOnce sync.Once
}

// NewServer returns a Server ready to Serve.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = util.Discard()
	}
	if opts.MaxPacketSize == 0 {
		opts.MaxPacketSize = config.DefaultMaxPacketSize
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = config.DefaultGracePeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		dispatcher: &bridge.Dispatcher{
			Resolver: opts.Resolver,
			Logger:   opts.Logger.Named("dispatch"),
			Metrics:  opts.Metrics,
			Secret:   opts.Secret,
		},
		baseCtx:    ctx,
		cancelBase: cancel,
		listeners:  make(map[net.Listener]struct{}),
		conns:      make(map[*conn]struct{}),
		done:       make(chan struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled or the
// server shuts down, running one I/O goroutine per connection.  It
// always returns a non-nil error; after Shutdown it is
// ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return ajperr.ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Verbose("accepting on %s", ln.Addr())

	backoff := &retry.Backoff{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}
	for {
		var rwc net.Conn
		err := backoff.Do(ctx, func(attempt int) error {
			c, err := ln.Accept()
			if err == nil {
				rwc = c
				return nil
			}
			if s.shuttingDown() || ctx.Err() != nil || !temporary(err) {
				return retry.Permanent(err)
			}
			s.log.Warn("accept: %v; retrying (attempt %d)", err, attempt)
			return err
		})
		if err != nil {
			if s.shuttingDown() {
				return ajperr.ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ajperr.Wrap("accept", ln.Addr().String(), err)
		}

		c := s.newConn(rwc, s.nextID.Add(1))
		if !s.track(c) {
			rwc.Close()
			return ajperr.ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// Start runs Serve on ln in the background.  Errors other than
// ErrServerClosed are logged.
func (s *Server) Start(ln net.Listener) {
	go func() {
		if err := s.Serve(s.baseCtx, ln); err != nil && !errors.Is(err, ajperr.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			s.log.Error("serve %s: %v", ln.Addr(), err)
		}
	}()
}

// Shutdown stops accepting, closes idle connections, and waits for
// in-flight cycles to finish.  When ctx expires first, the remaining
// connections are closed forcibly and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if s.closeIdle() {
			s.wg.Wait()
			s.cancelBase()
			return nil
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			n := len(s.conns)
			for c := range s.conns {
				c.cancel()
				c.rwc.Close()
			}
			s.mu.Unlock()
			s.log.Warn("shutdown: force-closed %d connections", n)
			s.cancelBase()
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Done is closed when the server begins shutting down, including on a
// peer's Shutdown package.
func (s *Server) Done() <-chan struct{} { return s.done }

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) shutdownByPeer() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.GracePeriod)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			s.log.Warn("shutdown: %v", err)
		}
	})
}

func (s *Server) shuttingDown() bool { return s.inShutdown.Load() }

// closeIdle closes connections between cycles and reports whether no
// connections remain.
func (s *Server) closeIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c.idle() {
			c.rwc.Close()
		}
	}
	return len(s.conns) == 0
}

// ── Tracking ─────────────────────────────────────────────────────────

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.metrics.ConnectionOpened()
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.metrics.ConnectionClosed()
	}
	s.mu.Unlock()
}

// temporary reports whether an Accept error is worth retrying.
func temporary(err error) bool {
	return util.IsTimeout(err) || ajperr.IsTemporary(err)
}
