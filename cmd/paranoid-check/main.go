package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tbxark/paranoid/pkg/paranoid/common"
	"github.com/tbxark/paranoid/pkg/paranoid/guard"
	"github.com/tbxark/paranoid/pkg/paranoid/version"
)

const (
	exitAllowed  = 0
	exitError    = 1
	exitRejected = 3
)

type checkOptions struct {
	policy  guard.PolicyOptions
	file    string
	target  string
	port    int
	connect bool
	timeout time.Duration
}

func main() {
	logger, err := common.NewLogger(zap.NewAtomicLevelAt(zap.WarnLevel))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitError)
	}
	defer func() {
		_ = logger.Sync()
	}()

	opts, err := parseFlags()
	if err != nil {
		logger.Error("Failed to parse flags", zap.Error(err))
		os.Exit(exitError)
	}

	var policy *guard.Policy
	if opts.file != "" {
		policy, err = guard.LoadPolicyFile(opts.file)
	} else {
		policy, err = guard.NewPolicy(opts.policy)
	}
	if err != nil {
		logger.Error("Invalid policy", zap.Error(err))
		os.Exit(exitError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	os.Exit(run(ctx, opts, policy, guard.NewResolver(nil), logger))
}

func run(ctx context.Context, opts *checkOptions, policy *guard.Policy, resolver *guard.Resolver, logger *zap.Logger) int {
	fmt.Printf("policy %s\n", policy.Fingerprint())

	portOK := guard.ValidatePort(policy, opts.port)
	fmt.Printf("port %d: %s\n", opts.port, verdict(portOK))
	if !portOK {
		// A forbidden port never gets as far as a DNS query
		return exitRejected
	}

	candidates, err := resolver.ResolveAll(ctx, opts.target, policy)
	if err != nil {
		if guard.IsUnacceptable(err) {
			fmt.Printf("host %s: %v\n", opts.target, err)
			return exitRejected
		}
		logger.Error("Failed to resolve target", zap.String("host", opts.target), zap.Error(err))
		return exitError
	}

	selected := ""
	for _, c := range candidates {
		fmt.Printf("address %s: %s\n", c.Address, verdict(c.Safe))
		if c.Safe && selected == "" {
			selected = c.Address
		}
	}

	if selected == "" {
		return exitRejected
	}
	fmt.Printf("selected %s\n", selected)

	if !opts.connect {
		return exitAllowed
	}

	dialer := guard.NewSafeDialer(policy, guard.WithLogger(logger))
	conn, err := dialer.Dial(ctx, guard.DialRequest{Host: opts.target, Port: opts.port})
	if err != nil {
		if guard.IsUnacceptable(err) {
			fmt.Printf("connect: rejected: %v\n", err)
			return exitRejected
		}
		fmt.Printf("connect: failed: %v\n", err)
		return exitError
	}
	defer func() {
		_ = conn.Close()
	}()

	fmt.Printf("connect: ok, peer %s\n", conn.RemoteAddr())
	return exitAllowed
}

func verdict(ok bool) string {
	if ok {
		return "allowed"
	}
	return "rejected"
}

func parseFlags() (*checkOptions, error) {
	var (
		ipAllowStr   string
		ipDenyStr    string
		portAllowStr string
		portDenyStr  string
		policyFile   string
		port         int
		connect      bool
		timeout      time.Duration
		showVersion  bool
	)

	pflag.StringVar(&ipAllowStr, "ip-allow", "", "IPv4 CIDRs always allowed, overriding denies (comma-separated)")
	pflag.StringVar(&ipDenyStr, "ip-deny", "", "Additional IPv4 CIDRs to deny (comma-separated)")
	pflag.StringVar(&portAllowStr, "port-allow", "", "Ports to allow (comma-separated, default 80,8080,443,8443,8000)")
	pflag.StringVar(&portDenyStr, "port-deny", "", "Ports to deny (comma-separated, mutually exclusive with --port-allow)")
	pflag.StringVar(&policyFile, "policy-file", "", "YAML policy file, replaces the --ip-* and --port-* flags")
	pflag.IntVarP(&port, "port", "p", 443, "Target port, unless given as host:port")
	pflag.BoolVar(&connect, "connect", false, "Also open (and close) a guarded connection")
	pflag.DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout for resolution and connect")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: paranoid-check [flags] host[:port]\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion("paranoid-check"))
		os.Exit(0)
	}

	if pflag.NArg() != 1 {
		pflag.Usage()
		return nil, fmt.Errorf("exactly one target is required")
	}

	target := pflag.Arg(0)
	if host, portStr, err := net.SplitHostPort(target); err == nil {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		target, port = host, p
	}

	portAllow, err := common.ParsePorts(portAllowStr)
	if err != nil {
		return nil, fmt.Errorf("--port-allow: %w", err)
	}
	portDeny, err := common.ParsePorts(portDenyStr)
	if err != nil {
		return nil, fmt.Errorf("--port-deny: %w", err)
	}

	return &checkOptions{
		policy: guard.PolicyOptions{
			IPAllowList:   common.ParseCommaSeparated(ipAllowStr),
			IPDenyList:    common.ParseCommaSeparated(ipDenyStr),
			PortAllowList: portAllow,
			PortDenyList:  portDeny,
		},
		file:    policyFile,
		target:  target,
		port:    port,
		connect: connect,
		timeout: timeout,
	}, nil
}
