// Package cmd wires up the CLI flags and starts the pipe server.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"gopipe/config"
	"gopipe/internal/metrics"
	"gopipe/internal/pipe"
	"gopipe/internal/pool"
	"gopipe/internal/relay"
	"gopipe/internal/transport"
	"gopipe/tunnel"
	"gopipe/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X gopipe/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives --version, --help and --dry-run output.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the pipe server until ctx ends.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()

	// Lower-precedence sources first; flags parsed below override them.
	cfgPath := configPath(args)
	if cfgPath != "" {
		if err := config.LoadFile(cfgPath, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	// CountVarP resets its target to zero; keep a level set by file or env.
	baseVerbose := cfg.Verbose

	fs := flag.NewFlagSet("gopipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// ── listener ─────────────────────────────────────────────────
	fs.IntVarP(&cfg.ListenPort, "port", "p", cfg.ListenPort, "Local port clients connect to")
	fs.StringVarP(&cfg.ListenHost, "bind", "b", cfg.ListenHost, "Local address to bind (default all)")

	// ── upstream ─────────────────────────────────────────────────
	fs.StringVarP(&cfg.RemoteHost, "remote-host", "r", cfg.RemoteHost, "Upstream host")
	fs.IntVarP(&cfg.RemotePort, "remote-port", "P", cfg.RemotePort, "Upstream port")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for one upstream dial")
	fs.IntVar(&cfg.DialAttempts, "dial-retries", cfg.DialAttempts, "Upstream dial attempts per client")

	// ── relay pool ───────────────────────────────────────────────
	fs.IntVar(&cfg.PoolMaxIdle, "pool-max-idle", cfg.PoolMaxIdle, "Idle relays kept for reuse (-1 keeps none)")
	fs.IntVar(&cfg.PoolMaxActive, "pool-max-active", cfg.PoolMaxActive, "Max concurrent clients (0 = unlimited)")

	// ── clients ──────────────────────────────────────────────────
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Drop a client that stalls a write this long (0 = never)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Wait this long for open clients on shutdown")

	// ── diagnostics ──────────────────────────────────────────────
	fs.BoolVar(&cfg.LogText, "log-text", cfg.LogText, "Dump relayed chunks as text")
	fs.BoolVar(&cfg.LogHex, "log-hex", cfg.LogHex, "Dump relayed chunks as hex")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the upstream via SSH [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── misc ─────────────────────────────────────────────────────
	fs.String("config", cfgPath, "YAML config file (env "+config.EnvConfigFile+")")
	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate configuration, print it and exit")

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !fs.Changed("verbose") {
		cfg.Verbose = baseVerbose
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "gopipe %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dryRun {
		printConfig(cfg)
		return nil
	}
	return run(ctx, cfg)
}

// run builds the relay pool, the upstream dialer and the server.
func run(ctx context.Context, cfg *config.Config) error {
	level := int(util.LogNormal) + cfg.Verbose
	if (cfg.LogText || cfg.LogHex) && level < int(util.LogDebug) {
		level = int(util.LogDebug)
	}
	logger := util.NewLogger(level)
	m := metrics.New()

	factory := relay.NewFactory(relay.Options{
		LogText: cfg.LogText,
		LogHex:  cfg.LogHex,
		BufSize: cfg.BufSize,
		Logger:  logger,
		Metrics: m,
	})
	relays := pool.New[*relay.Relay](factory, pool.Config{
		MaxIdle:   cfg.PoolMaxIdle,
		MaxActive: cfg.PoolMaxActive,
	}, logger.Named("pool"))
	defer func() {
		if err := relays.Close(); err != nil {
			logger.Debug("pool close: %v", err)
		}
	}()

	dialer := transport.NewRetryDialer(buildDialer(cfg, logger), cfg.DialAttempts, logger.Named("dial"))
	defer dialer.Close()

	srv := &pipe.Server{
		Address:      cfg.ListenAddr(),
		Upstream:     relay.Endpoint{Host: cfg.RemoteHost, Port: cfg.RemotePort},
		Dialer:       dialer,
		Pool:         relays,
		Logger:       logger,
		Metrics:      m,
		MetricsAddr:  cfg.MetricsAddr,
		BufSize:      cfg.BufSize,
		WriteTimeout: cfg.WriteTimeout,
		GracePeriod:  cfg.GracePeriod,
	}
	start := time.Now()
	err := srv.Run(ctx)
	logger.Verbose("served %d lease(s) in %v", m.TotalLeases(), time.Since(start).Round(time.Second))
	return err
}

func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if !cfg.TunnelEnabled {
		return &transport.TCPDialer{Timeout: cfg.DialTimeout}
	}
	return transport.NewSSHDialer(&tunnel.SSHConfig{
		User:          cfg.TunnelUser,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.DialTimeout,
	}, logger)
}

// ── helpers ──────────────────────────────────────────────────────────

// configPath finds --config before the full parse so the file can sit
// below env and flags in precedence.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(config.EnvConfigFile)
}

func printConfig(cfg *config.Config) {
	fmt.Fprintf(stdout, "listen     %s\n", cfg.ListenAddr())
	fmt.Fprintf(stdout, "upstream   %s\n", cfg.RemoteAddr())
	if cfg.TunnelEnabled {
		fmt.Fprintf(stdout, "via ssh    %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
	fmt.Fprintf(stdout, "dial       timeout %v, %d attempt(s)\n", cfg.DialTimeout, cfg.DialAttempts)
	fmt.Fprintf(stdout, "pool       max-idle %d, max-active %d\n", cfg.PoolMaxIdle, cfg.PoolMaxActive)
	fmt.Fprintf(stdout, "clients    write-timeout %v, grace %v\n", cfg.WriteTimeout, cfg.GracePeriod)
	fmt.Fprintf(stdout, "dumps      text=%t hex=%t\n", cfg.LogText, cfg.LogHex)
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(stdout, "metrics    %s\n", cfg.MetricsAddr)
	}
	if cfg.ConfigFile != "" {
		fmt.Fprintf(stdout, "config     %s\n", cfg.ConfigFile)
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stdout, `gopipe v%s - pooled TCP pipe server

Every client that connects is paired with a relay from a pool and
piped to one upstream, directly or through an SSH gateway.

Usage:
  gopipe [options]

Options:
`, version)
	fs.SetOutput(stdout)
	fs.PrintDefaults()
	fmt.Fprint(stdout, `
Examples:
  gopipe -p 9000 -r 127.0.0.1 -P 8080          Pipe :9000 to a local service
  gopipe -p 5432 -r db.internal -P 5432 \
         -T ops@bastion.example.com            Reach the upstream via SSH
  gopipe --log-hex -vv                         Dump every chunk in hex
  gopipe --config /etc/gopipe.yaml             Load settings from YAML
`)
}
