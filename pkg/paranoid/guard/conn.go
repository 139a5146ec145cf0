package guard

import (
	"net"
	"net/netip"
	"strings"
)

// TransportKind is the kind of socket a DialRequest asks for.
type TransportKind int

const (
	// TransportTCP is TCP to a host name or IP address. It is the only kind
	// that is ever dialed.
	TransportTCP TransportKind = iota
	// TransportLocal is a unix domain socket or named pipe.
	TransportLocal
	// TransportOther covers UDP, raw IP and anything unrecognised.
	TransportOther
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportLocal:
		return "local"
	default:
		return "other"
	}
}

// TransportFromNetwork maps a Go network name, as passed to DialContext, to
// a TransportKind.
func TransportFromNetwork(network string) TransportKind {
	switch {
	case network == "tcp" || network == "tcp4" || network == "tcp6":
		return TransportTCP
	case strings.HasPrefix(network, "unix"), network == "pipe", network == "npipe":
		return TransportLocal
	default:
		return TransportOther
	}
}

// DialRequest describes one connection attempt.
type DialRequest struct {
	Host      string
	Port      int
	Transport TransportKind
	// Policy overrides the dialer's policy for this request when non-nil.
	Policy *Policy
}

// GuardedConn is a connection opened by SafeDialer. It records which policy
// validated it so that pooled connections are never shared across policies.
type GuardedConn struct {
	net.Conn

	policyKey string
	host      string
	pinned    netip.AddrPort
}

// PolicyFingerprint returns the fingerprint of the policy that validated
// the connection.
func (c *GuardedConn) PolicyFingerprint() string {
	return c.policyKey
}

// Host returns the host that was requested, before resolution.
func (c *GuardedConn) Host() string {
	return c.host
}

// PinnedAddr returns the validated address the socket was opened to.
func (c *GuardedConn) PinnedAddr() netip.AddrPort {
	return c.pinned
}

// PolicyOf returns the policy fingerprint attached to conn, if conn was
// opened by a SafeDialer.
func PolicyOf(conn net.Conn) (string, bool) {
	gc, ok := conn.(*GuardedConn)
	if !ok {
		return "", false
	}
	return gc.policyKey, true
}
