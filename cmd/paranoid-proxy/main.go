package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tbxark/paranoid/pkg/paranoid/common"
	"github.com/tbxark/paranoid/pkg/paranoid/egress"
	"github.com/tbxark/paranoid/pkg/paranoid/guard"
	"github.com/tbxark/paranoid/pkg/paranoid/version"
)

type options struct {
	cfg          *egress.Config
	policyFile   string
	metricsAddr  string
	logLevel     string
	drainTimeout time.Duration
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := common.NewLoggerFromString(opts.logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg := opts.cfg
	if opts.policyFile != "" {
		policy, err := guard.LoadPolicyFile(opts.policyFile)
		if err != nil {
			logger.Fatal("Failed to load policy file", zap.String("path", opts.policyFile), zap.Error(err))
		}
		cfg.Policy = policy.Options()
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	policy, err := cfg.BuildPolicy()
	if err != nil {
		logger.Fatal("Failed to build policy", zap.Error(err))
	}

	logger.Info("Paranoid egress proxy starting",
		zap.String("listen", cfg.ListenAddr),
		zap.Duration("dial_timeout", cfg.DialTimeout),
		zap.Int("max_sessions", cfg.MaxSessions),
		zap.Int("max_violations", cfg.MaxViolations),
		zap.Strings("ip_allow", cfg.Policy.IPAllowList),
		zap.Strings("ip_deny", cfg.Policy.IPDenyList),
		zap.Ints("port_allow", cfg.Policy.PortAllowList),
		zap.Ints("port_deny", cfg.Policy.PortDenyList),
		zap.Stringer("policy", policy))

	metrics := guard.NewMetrics(prometheus.DefaultRegisterer)
	dialer := guard.NewSafeDialer(policy,
		guard.WithTimeout(cfg.DialTimeout),
		guard.WithLogger(logger.Named("guard")),
		guard.WithMetrics(metrics))

	srv, err := egress.NewServer(cfg, dialer, logger)
	if err != nil {
		logger.Fatal("Failed to create egress proxy", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.metricsAddr != "" {
		go serveMetrics(ctx, opts.metricsAddr, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		logger.Error("Egress proxy error", zap.Error(err))
		os.Exit(1)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), opts.drainTimeout)
	defer drainCancel()
	if err := srv.Drain(drainCtx); err != nil {
		logger.Warn("Stopped with sessions still open", zap.Error(err))
	}

	logger.Info("Paranoid egress proxy stopped")
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("Metrics listening", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server error", zap.Error(err))
	}
}

func parseFlags() (*options, error) {
	var (
		listenAddr             string
		dialTimeout            time.Duration
		maxSessions            int
		maxViolations          int
		violationWindow        time.Duration
		violationBlockDuration time.Duration
		ipAllowStr             string
		ipDenyStr              string
		portAllowStr           string
		portDenyStr            string
		policyFile             string
		metricsAddr            string
		logLevel               string
		drainTimeout           time.Duration
		showVersion            bool
	)

	pflag.StringVar(&listenAddr, "listen", "127.0.0.1:1080", "Address to accept SOCKS5 clients on")
	pflag.DurationVar(&dialTimeout, "dial-timeout", 15*time.Second, "Timeout for resolving and connecting to targets")
	pflag.IntVar(&maxSessions, "max-sessions", 256, "Maximum number of concurrent SOCKS5 sessions")
	pflag.IntVar(&maxViolations, "max-violations", 10, "Policy violations a client may commit per window before being blocked")
	pflag.DurationVar(&violationWindow, "violation-window", time.Minute, "Window over which violations are counted")
	pflag.DurationVar(&violationBlockDuration, "violation-block-duration", 5*time.Minute, "How long a client stays blocked")
	pflag.StringVar(&ipAllowStr, "ip-allow", "", "IPv4 CIDRs always allowed, overriding denies (comma-separated)")
	pflag.StringVar(&ipDenyStr, "ip-deny", "", "Additional IPv4 CIDRs to deny (comma-separated)")
	pflag.StringVar(&portAllowStr, "port-allow", "", "Ports to allow (comma-separated, default 80,8080,443,8443,8000)")
	pflag.StringVar(&portDenyStr, "port-deny", "", "Ports to deny (comma-separated, mutually exclusive with --port-allow)")
	pflag.StringVar(&policyFile, "policy-file", "", "YAML policy file, replaces the --ip-* and --port-* flags")
	pflag.StringVar(&metricsAddr, "metrics-listen", "", "Address to serve Prometheus metrics on (disabled when empty)")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pflag.DurationVar(&drainTimeout, "drain-timeout", 10*time.Second, "How long shutdown waits for open sessions to finish")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion("paranoid-proxy"))
		os.Exit(0)
	}

	portAllow, err := common.ParsePorts(portAllowStr)
	if err != nil {
		return nil, fmt.Errorf("--port-allow: %w", err)
	}
	portDeny, err := common.ParsePorts(portDenyStr)
	if err != nil {
		return nil, fmt.Errorf("--port-deny: %w", err)
	}

	return &options{
		cfg: &egress.Config{
			ListenAddr:             listenAddr,
			DialTimeout:            dialTimeout,
			MaxSessions:            maxSessions,
			MaxViolations:          maxViolations,
			ViolationWindow:        violationWindow,
			ViolationBlockDuration: violationBlockDuration,
			Policy: guard.PolicyOptions{
				IPAllowList:   common.ParseCommaSeparated(ipAllowStr),
				IPDenyList:    common.ParseCommaSeparated(ipDenyStr),
				PortAllowList: portAllow,
				PortDenyList:  portDeny,
			},
		},
		policyFile:   policyFile,
		metricsAddr:  metricsAddr,
		logLevel:     logLevel,
		drainTimeout: drainTimeout,
	}, nil
}
