// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"ajpd/config"
	"ajpd/internal/core"
	"ajpd/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X ajpd/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout is where --version, --help and probe output go.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs serve mode, or probe mode when the first
// argument is "probe".
func Execute(ctx context.Context, args []string) error {
	cfg := config.New()
	config.LoadFromEnv(cfg)

	name := "ajpd"
	if len(args) > 0 && args[0] == "probe" {
		cfg.Probe = true
		name = "ajpd probe"
		args = args[1:]
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// ── connector ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Host, "listen", "l", cfg.Host, "Bind address (serve)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Bind port (serve)")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Wait for the rest of a package or body (0 disables)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for each outbound package")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections idle between requests")
	fs.DurationVar(&cfg.BodyTimeout, "body-timeout", cfg.BodyTimeout, "Handler wait for request body data")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Drain time for in-flight requests on shutdown")
	fs.IntVar(&cfg.MaxPacketSize, "max-packet", cfg.MaxPacketSize, "Largest inbound packet accepted")
	fs.BoolVar(&cfg.EagerDispatch, "eager-dispatch", cfg.EagerDispatch, "Start handlers before the request body is complete")
	fs.BoolVar(&cfg.LenientEmptyChunk, "lenient-empty-chunk", cfg.LenientEmptyChunk, "Treat an early empty body chunk as end of body")
	fs.BoolVar(&cfg.AllowShutdown, "allow-shutdown", cfg.AllowShutdown, "Honour Shutdown packages from loopback peers")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "Shared secret required on every request (probe: sent)")

	// ── handlers ─────────────────────────────────────────────────
	fs.StringVar(&cfg.DocRoot, "doc-root", cfg.DocRoot, "Serve static files from this directory")
	fs.StringVar(&cfg.FilesPrefix, "files-prefix", cfg.FilesPrefix, "Mount point for --doc-root")
	fs.StringVar(&cfg.EchoPrefix, "echo-prefix", cfg.EchoPrefix, "Mount point for the echo handler (\"\" disables)")
	fs.StringVar(&cfg.StatusPrefix, "status-prefix", cfg.StatusPrefix, "Mount point for the metrics handler (\"\" disables)")
	fs.StringVar(&cfg.ExecPrefix, "exec-prefix", cfg.ExecPrefix, "Mount point for -e / -c")
	fs.StringVarP(&cfg.ExecProgram, "exec", "e", cfg.ExecProgram, "Run a CGI program per request")
	fs.StringVarP(&cfg.ExecCommand, "command", "c", cfg.ExecCommand, "Run a CGI shell command per request")

	// ── probe ────────────────────────────────────────────────────
	fs.StringVar(&cfg.ProbePath, "path", cfg.ProbePath, "Request path to send after the CPing (probe)")
	fs.StringVarP(&cfg.ProbeMethod, "method", "X", cfg.ProbeMethod, "Request method (probe)")
	fs.IntVarP(&cfg.ProbeCount, "count", "n", cfg.ProbeCount, "Number of probes (probe)")
	fs.DurationVar(&cfg.ProbeInterval, "interval", cfg.ProbeInterval, "Delay between probes (probe)")
	fs.DurationVarP(&cfg.Timeout, "timeout", "w", cfg.Timeout, "Dial and exchange timeout (probe, SSH)")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Port published on the gateway (serve)")
	fs.StringVar(&cfg.RemoteBindAddress, "remote-bind-address", cfg.RemoteBindAddress, "Gateway bind address (serve)")
	fs.IntVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "SSH keepalive interval in seconds (0 disables)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	var quiet, showVersion, showHelp bool
	fs.BoolVarP(&quiet, "quiet", "q", false, "Only report errors")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "flags")
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "ajpd %s\n", version)
		return nil
	}
	if quiet {
		cfg.Verbose = 0
	}

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build ────────────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	if pm, ok := mode.(*core.ProbeMode); ok {
		pm.Out = stdout
	}

	if cfg.DryRun {
		describe(logger, cfg)
		return nil
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// parsePositional accepts "<host> <port>" for probe mode.  Serve mode
// takes no positional arguments.
func parsePositional(cfg *config.Config, remaining []string) error {
	if !cfg.Probe {
		if len(remaining) > 0 {
			return errors.Errorf("unexpected argument %q (did you mean 'ajpd probe'?)", remaining[0])
		}
		return nil
	}

	switch len(remaining) {
	case 0:
		return errors.New("probe: hostname required (use --help for usage)")
	case 1:
		cfg.Host = remaining[0]
	case 2:
		cfg.Host = remaining[0]
		port, err := config.ParsePort(remaining[1])
		if err != nil {
			return errors.Wrap(err, "probe")
		}
		cfg.Port = port
	default:
		return errors.New("probe: too many arguments")
	}
	return nil
}

// describe logs what a run would do.
func describe(logger *util.Logger, cfg *config.Config) {
	if cfg.Probe {
		target := cfg.Addr()
		if cfg.TunnelEnabled {
			target += " via " + cfg.TunnelSpec
		}
		what := "cping"
		if cfg.ProbePath != "" {
			what = cfg.ProbeMethod + " " + cfg.ProbePath
		}
		logger.Info("dry run: probe %s (%s) x%d", target, what, cfg.ProbeCount)
		return
	}
	where := cfg.Addr()
	if cfg.TunnelEnabled {
		where = fmt.Sprintf("%s:%d on gateway %s", cfg.RemoteBindAddress, cfg.RemotePort, cfg.TunnelSpec)
	}
	logger.Info("dry run: serve on %s (max packet %d, eager=%v, shutdown=%v)",
		where, cfg.MaxPacketSize, cfg.EagerDispatch, cfg.AllowShutdown)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stdout, `ajpd – AJP13 container v%s

Serves requests forwarded by a web server over AJP13 (mod_jk,
mod_proxy_ajp) and probes AJP connectors.

Usage:
  ajpd [options]                              Serve on 127.0.0.1:8009
  ajpd probe [options] <host> [port]          CPing (and request) a connector
  ajpd -T user@gateway --remote-port <port>   Serve through an SSH gateway

Options:
`, version)
	fs.SetOutput(stdout)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)
	fmt.Fprint(stdout, `
Environment:
  AJPD_HOST, AJPD_PORT, AJPD_SECRET, AJPD_DOC_ROOT, AJPD_EXEC, AJPD_TUNNEL, ...
  Flags take precedence over the environment.

Examples:
  ajpd --doc-root ./public                    Static files under /
  ajpd -c 'env' --exec-prefix /env            CGI shell command
  ajpd -v --allow-shutdown                    Verbose, stoppable by a local peer
  ajpd probe localhost 8009 --path /echo      Send one request
  ajpd probe -T admin@bastion tomcat 8009     Probe through a bastion
`)
}
