package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextDialer opens a connection to an already validated numeric address.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SafeDialer opens TCP connections only to addresses accepted by a Policy,
// and always connects to the exact address it validated.
type SafeDialer struct {
	policy    *Policy
	resolver  *Resolver
	connector ContextDialer
	timeout   time.Duration
	keepAlive time.Duration
	logger    *zap.Logger
	metrics   *Metrics
}

// Option configures a SafeDialer.
type Option func(*SafeDialer)

// WithLookup sets the name lookup used for resolution.
func WithLookup(lookup HostLookup) Option {
	return func(d *SafeDialer) {
		d.resolver = NewResolver(lookup)
	}
}

// WithConnector replaces the socket connector. The connector is only ever
// handed a numeric "ip:port" address. Without it, a net.Dialer whose Control
// hook re-checks the pinned address is used.
func WithConnector(connector ContextDialer) Option {
	return func(d *SafeDialer) {
		d.connector = connector
	}
}

// WithTimeout sets the connect timeout of the default connector.
func WithTimeout(timeout time.Duration) Option {
	return func(d *SafeDialer) {
		d.timeout = timeout
	}
}

// WithKeepAlive sets the keep-alive period of the default connector.
func WithKeepAlive(keepAlive time.Duration) Option {
	return func(d *SafeDialer) {
		d.keepAlive = keepAlive
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(d *SafeDialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records dial outcomes to m.
func WithMetrics(m *Metrics) Option {
	return func(d *SafeDialer) {
		d.metrics = m
	}
}

// NewSafeDialer creates a SafeDialer enforcing policy. A nil policy means
// DefaultPolicy.
func NewSafeDialer(policy *Policy, opts ...Option) *SafeDialer {
	if policy == nil {
		policy = defaultPolicy
	}
	d := &SafeDialer{
		policy:    policy,
		resolver:  NewResolver(nil),
		timeout:   30 * time.Second,
		keepAlive: 30 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the dialer's policy.
func (d *SafeDialer) Policy() *Policy {
	return d.policy
}

// Dial validates req and connects to the selected address.
//
// Checks run cheapest first: transport kind, then port, both without any
// network I/O. Only then is the host resolved and filtered, and the socket
// is opened to the chosen numeric address, never to req.Host.
func (d *SafeDialer) Dial(ctx context.Context, req DialRequest) (*GuardedConn, error) {
	policy := req.Policy
	if policy == nil {
		policy = d.policy
	}

	logger := d.logger.With(
		zap.String("dial_id", uuid.NewString()),
		zap.String("host", req.Host),
		zap.Int("port", req.Port),
		zap.Stringer("policy", policy))

	if req.Transport != TransportTCP {
		return nil, d.reject(logger, rejectTransport(req.Transport))
	}

	if !policy.IsSafePort(req.Port) {
		return nil, d.reject(logger, rejectPort(req.Host, req.Port))
	}

	start := time.Now()
	selected, err := d.resolver.Resolve(ctx, req.Host, policy)
	d.metrics.observeResolve(start)
	if err != nil {
		var uaErr *UnacceptableAddressError
		if errors.As(err, &uaErr) {
			uaErr.Port = req.Port
			return nil, d.reject(logger, uaErr)
		}
		d.metrics.observeOutcome(OutcomeResolutionError)
		logger.Warn("Failed to resolve target", zap.Error(err))
		return nil, err
	}

	pinned := netip.AddrPortFrom(selected.Addr(), uint16(req.Port))

	start = time.Now()
	conn, err := d.connect(ctx, pinned)
	d.metrics.observeConnect(start)
	if err != nil {
		d.metrics.observeOutcome(OutcomeConnectionError)
		logger.Warn("Failed to connect to validated address",
			zap.Stringer("addr", pinned),
			zap.Error(err))
		return nil, &ConnectionError{Addr: pinned.String(), Err: err}
	}

	d.metrics.observeOutcome(OutcomeConnected)
	logger.Debug("Connected to validated address", zap.Stringer("addr", pinned))

	return &GuardedConn{
		Conn:      conn,
		policyKey: policy.Fingerprint(),
		host:      req.Host,
		pinned:    pinned,
	}, nil
}

// DialContext has the signature expected by http.Transport.DialContext and
// similar connection hooks.
func (d *SafeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	kind := TransportFromNetwork(network)
	if kind != TransportTCP {
		return nil, d.reject(d.logger.With(zap.String("network", network)), rejectTransport(kind))
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, d.reject(d.logger, &UnacceptableAddressError{
			Reason:  RejectAddress,
			Message: fmt.Sprintf("invalid address format %q: %v", address, err),
		})
	}

	// Service names are not resolved, a non-numeric port is simply invalid
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 0
	}

	conn, err := d.Dial(ctx, DialRequest{Host: host, Port: port, Transport: kind})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *SafeDialer) reject(logger *zap.Logger, err error) error {
	var uaErr *UnacceptableAddressError
	if errors.As(err, &uaErr) {
		d.metrics.observeOutcome(rejectOutcome(uaErr.Reason))
	}
	logger.Warn("Target rejected by policy", zap.Error(err))
	return err
}

func (d *SafeDialer) connect(ctx context.Context, pinned netip.AddrPort) (net.Conn, error) {
	if d.connector != nil {
		return d.connector.DialContext(ctx, "tcp4", pinned.String())
	}

	nd := &net.Dialer{
		Timeout:   d.timeout,
		KeepAlive: d.keepAlive,
		Control:   pinControl(pinned),
	}
	return nd.DialContext(ctx, "tcp4", pinned.String())
}

// pinControl refuses to open a socket to anything but the pinned address.
func pinControl(pinned netip.AddrPort) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, _ syscall.RawConn) error {
		if network != "tcp4" {
			return fmt.Errorf("refusing to connect over %s", network)
		}
		got, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("refusing to connect to %q: %w", address, err)
		}
		if got.Addr().Unmap() != pinned.Addr() || got.Port() != pinned.Port() {
			return fmt.Errorf("refusing to connect to %s, validated address is %s", address, pinned)
		}
		return nil
	}
}

var defaultDialer = NewSafeDialer(nil)

// Dial connects to host:port with a default SafeDialer enforcing policy. A
// nil policy means DefaultPolicy.
func Dial(ctx context.Context, host string, port int, transport TransportKind, policy *Policy) (*GuardedConn, error) {
	return defaultDialer.Dial(ctx, DialRequest{
		Host:      host,
		Port:      port,
		Transport: transport,
		Policy:    policy,
	})
}
