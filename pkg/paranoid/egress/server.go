package egress

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/armon/go-socks5"
	"github.com/google/uuid"
	"github.com/tbxark/paranoid/pkg/paranoid/common"
	"github.com/tbxark/paranoid/pkg/paranoid/guard"
	"go.uber.org/zap"
)

// Server is a SOCKS5 egress proxy. Every CONNECT it serves is dialed through
// a guard.SafeDialer, so clients can only reach what the policy allows.
type Server struct {
	cfg        *Config
	dialer     *guard.SafeDialer
	sessions   *SessionLimiter
	violations *ViolationLimiter
	socks      *socks5.Server
	logger     *zap.Logger
}

// NewServer creates a new Server. The dialer carries the policy and the name
// lookup; cfg supplies limits and timeouts.
func NewServer(cfg *Config, dialer *guard.SafeDialer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:        cfg,
		dialer:     dialer,
		sessions:   NewSessionLimiter(cfg.MaxSessions),
		violations: NewViolationLimiter(cfg.MaxViolations, cfg.ViolationWindow, cfg.ViolationBlockDuration),
		logger:     logger,
	}

	socksServer, err := s.newSOCKSServer()
	if err != nil {
		s.violations.Close()
		return nil, fmt.Errorf("failed to create SOCKS5 server: %w", err)
	}
	s.socks = socksServer

	return s, nil
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done. The listener is
// closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer func() {
		_ = listener.Close()
		s.violations.Close()
	}()

	s.logger.Info("Egress proxy listening",
		zap.String("address", listener.Addr().String()),
		zap.Stringer("policy", s.dialer.Policy()))

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down egress proxy")
			_ = listener.Close()
		case <-done:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		go s.handleConn(conn)
	}
}

// Drain waits for in-flight sessions to finish, giving up when ctx is done.
// Connections accepted after Drain succeeds are refused at the session limit.
func (s *Server) Drain(ctx context.Context) error {
	if n := s.sessions.Active(); n > 0 {
		s.logger.Info("Waiting for sessions to finish", zap.Int("active", n))
	}
	if err := s.sessions.Drain(ctx); err != nil {
		s.logger.Warn("Sessions still active after drain timeout", zap.Int("active", s.sessions.Active()))
		return fmt.Errorf("failed to drain sessions: %w", err)
	}
	return nil
}

// Violations exposes the per-client violation tracker.
func (s *Server) Violations() *ViolationLimiter {
	return s.violations
}

func (s *Server) handleConn(conn net.Conn) {
	client := common.HostOf(conn.RemoteAddr())
	logger := s.logger.With(
		zap.String("session_id", uuid.NewString()),
		zap.String("client", client))

	if s.violations.IsBlocked(client) {
		logger.Warn("Refusing blocked client")
		_ = conn.Close()
		return
	}

	if !s.sessions.Acquire() {
		logger.Warn("Session limit reached", zap.Int("max_sessions", s.sessions.Max()))
		_ = conn.Close()
		return
	}
	defer s.sessions.Release()

	logger.Debug("Session started")

	// ServeConn closes conn
	if err := s.socks.ServeConn(conn); err != nil {
		logger.Debug("Session ended with error", zap.Error(err))
		return
	}

	logger.Debug("Session ended")
}
