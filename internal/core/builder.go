package core

import (
	"time"

	"ajpd/config"
	ajperr "ajpd/internal/errors"
	"ajpd/internal/handler"
	"ajpd/internal/metrics"
	"ajpd/internal/transport"
	"ajpd/tunnel"
	"ajpd/util"
)

// Build constructs the appropriate Mode from a validated configuration.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if cfg.Probe {
		return buildProbe(cfg, logger), nil
	}
	return buildServe(cfg, logger)
}

// ── mode builders ────────────────────────────────────────────────────

func buildServe(cfg *config.Config, logger *util.Logger) (Mode, error) {
	m := metrics.New()
	mux, err := BuildMux(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	return &ServeMode{
		Listener: buildListener(cfg, logger, m),
		Options: Options{
			Resolver:          mux,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			BodyTimeout:       cfg.BodyTimeout,
			GracePeriod:       cfg.GracePeriod,
			MaxPacketSize:     cfg.MaxPacketSize,
			EagerDispatch:     cfg.EagerDispatch,
			LenientEmptyChunk: cfg.LenientEmptyChunk,
			AllowShutdown:     cfg.AllowShutdown,
			Secret:            cfg.Secret,
		},
		Logger:  logger,
		Metrics: m,
	}, nil
}

func buildProbe(cfg *config.Config, logger *util.Logger) Mode {
	return &ProbeMode{
		Dialer:   buildDialer(cfg, logger),
		Address:  util.FormatAddr(cfg.Host, cfg.Port),
		Path:     cfg.ProbePath,
		Method:   cfg.ProbeMethod,
		Secret:   cfg.Secret,
		Count:    cfg.ProbeCount,
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.Timeout,
		Logger:   logger,
	}
}

// BuildMux mounts the built-in handlers the configuration enables.
func BuildMux(cfg *config.Config, m *metrics.Collector, logger *util.Logger) (*handler.Mux, error) {
	mux := handler.NewMux()

	if cfg.DocRoot != "" {
		h, err := handler.Files(cfg.FilesPrefix, cfg.DocRoot)
		if err != nil {
			return nil, &ajperr.ConfigError{
				Field:   "doc-root",
				Value:   cfg.DocRoot,
				Message: err.Error(),
				Hint:    "--doc-root must name an existing directory",
			}
		}
		mux.Handle(cfg.FilesPrefix, h)
	}
	if cfg.ExecProgram != "" || cfg.ExecCommand != "" {
		h, err := (&handler.Exec{
			Program: cfg.ExecProgram,
			Command: cfg.ExecCommand,
			Prefix:  cfg.ExecPrefix,
			Logger:  logger.Named("cgi"),
		}).Handler()
		if err != nil {
			return nil, &ajperr.ConfigError{Field: "exec", Value: cfg.ExecProgram, Message: err.Error()}
		}
		mux.Handle(cfg.ExecPrefix, h)
	}
	if cfg.EchoPrefix != "" {
		mux.Handle(cfg.EchoPrefix, handler.Echo{})
	}
	if cfg.StatusPrefix != "" {
		mux.Handle(cfg.StatusPrefix, &handler.Status{Metrics: m})
	}

	for _, p := range mux.Prefixes() {
		logger.Verbose("mounted %s", p)
	}
	return mux, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// buildListener publishes the connector on the SSH gateway when -T is
// set, otherwise binds locally.
func buildListener(cfg *config.Config, logger *util.Logger, m *metrics.Collector) transport.Listener {
	if cfg.TunnelEnabled {
		return &transport.SSHListener{
			Config:            sshConfig(cfg),
			BindAddress:       cfg.RemoteBindAddress,
			Port:              cfg.RemotePort,
			KeepAliveInterval: time.Duration(cfg.KeepAliveInterval) * time.Second,
			MaxAttempts:       config.DefaultMaxReconnectAttempts,
			MaxBackoff:        config.DefaultMaxReconnectBackoff,
			Logger:            logger.Named("tunnel"),
			Metrics:           m,
		}
	}
	return &transport.TCPListener{Address: util.FormatAddr(cfg.Host, cfg.Port)}
}

// buildDialer creates the right transport.Dialer for a probe.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if cfg.TunnelEnabled {
		return transport.NewSSHDialer(sshConfig(cfg), logger.Named("tunnel"))
	}
	return &transport.TCPDialer{Timeout: cfg.Timeout}
}

func sshConfig(cfg *config.Config) *tunnel.SSHConfig {
	return &tunnel.SSHConfig{
		User:          cfg.TunnelUser,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.Timeout,
	}
}
