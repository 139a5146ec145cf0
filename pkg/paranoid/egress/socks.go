package egress

import (
	"context"
	"net"

	"github.com/armon/go-socks5"
	"github.com/tbxark/paranoid/pkg/paranoid/guard"
	"go.uber.org/zap"
)

type clientKey struct{}

func withClient(ctx context.Context, client string) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

func clientFrom(ctx context.Context) string {
	client, _ := ctx.Value(clientKey{}).(string)
	return client
}

// passthroughResolver leaves host names unresolved so that they reach the
// SafeDialer intact. Resolving here would let the SOCKS library pick an
// address the policy never saw.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// policyRules admits CONNECT requests on allowed ports only. It runs before
// any dial, so disallowed ports never cause a DNS query.
type policyRules struct {
	policy     *guard.Policy
	violations *ViolationLimiter
	logger     *zap.Logger
}

func (r *policyRules) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	client := ""
	if req.RemoteAddr != nil {
		client = req.RemoteAddr.IP.String()
	}
	ctx = withClient(ctx, client)

	if req.Command != socks5.ConnectCommand {
		r.logger.Warn("Rejected SOCKS command",
			zap.String("client", client),
			zap.Uint8("command", req.Command))
		r.violations.RecordViolation(client)
		return ctx, false
	}

	if !r.policy.IsSafePort(req.DestAddr.Port) {
		r.logger.Warn("Rejected disallowed port",
			zap.String("client", client),
			zap.String("dest", req.DestAddr.String()))
		r.violations.RecordViolation(client)
		return ctx, false
	}

	return ctx, true
}

// newSOCKSServer builds a SOCKS5 server whose every outbound connection goes
// through dialer.
func (s *Server) newSOCKSServer() (*socks5.Server, error) {
	stdLogger, err := zap.NewStdLogAt(s.logger.Named("socks5"), zap.DebugLevel)
	if err != nil {
		return nil, err
	}

	return socks5.New(&socks5.Config{
		Resolver: passthroughResolver{},
		Rules: &policyRules{
			policy:     s.dialer.Policy(),
			violations: s.violations,
			logger:     s.logger,
		},
		Logger: stdLogger,
		Dial:   s.dial,
	})
}

func (s *Server) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.dialer.DialContext(ctx, network, addr)
	if err != nil {
		if guard.IsUnacceptable(err) {
			client := clientFrom(ctx)
			if s.violations.RecordViolation(client) {
				s.logger.Warn("Client blocked after repeated policy violations", zap.String("client", client))
			}
		}
		return nil, err
	}
	return conn, nil
}
