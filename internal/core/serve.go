package core

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"ajpd/config"
	ajperr "ajpd/internal/errors"
	"ajpd/internal/metrics"
	"ajpd/internal/transport"
	"ajpd/util"
)

// ServeMode runs the container on a listener until ctx is cancelled or
// a permitted peer sends a Shutdown package.
type ServeMode struct {
	Listener transport.Listener
	Options  Options
	Logger   *util.Logger
	Metrics  *metrics.Collector

	// Ready, when set, is called with the bound address once the
	// listener is up.
	Ready func(net.Addr)
}

// Run listens, serves, and shuts down gracefully.
func (m *ServeMode) Run(ctx context.Context) error {
	log := m.Logger
	if log == nil {
		log = util.Discard()
	}
	opts := m.Options
	opts.Logger = log
	opts.Metrics = m.Metrics
	if opts.GracePeriod == 0 {
		opts.GracePeriod = config.DefaultGracePeriod
	}

	ln, err := m.Listener.Listen(ctx)
	if err != nil {
		return err
	}
	log.Info("listening on %s", ln.Addr())
	if m.Ready != nil {
		m.Ready(ln.Addr())
	}

	srv := NewServer(opts)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()

	var serveErr error
	served := false
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-srv.Done():
		log.Info("shutdown requested by peer")
	case serveErr = <-errc:
		served = true
	}

	sctx, cancel := context.WithTimeout(context.Background(), opts.GracePeriod)
	defer cancel()
	shutdownErr := srv.Shutdown(sctx)
	if !served {
		serveErr = <-errc
	}

	if m.Metrics != nil && log.Enabled(util.LogVerbose) {
		log.Verbose("metrics:\n%s", m.Metrics.JSON())
	}

	if serveErr != nil && !errors.Is(serveErr, ajperr.ErrServerClosed) {
		return serveErr
	}
	if shutdownErr != nil {
		return errors.Wrap(shutdownErr, "shutdown")
	}
	return nil
}
