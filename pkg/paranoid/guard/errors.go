package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Standard errors for use with errors.Is.
var (
	ErrConfiguration       = errors.New("invalid policy configuration")
	ErrUnacceptableAddress = errors.New("unacceptable address")
)

// RejectReason classifies why a dial was refused by policy.
type RejectReason string

const (
	RejectTransport RejectReason = "transport"
	RejectPort      RejectReason = "port"
	RejectAddress   RejectReason = "address"
)

// ConfigurationError is returned when a Policy cannot be constructed.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "invalid policy configuration: " + e.Message + ": " + e.Err.Error()
	}
	return "invalid policy configuration: " + e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// UnacceptableAddressError is a deliberate security rejection. It is never
// worth retrying.
type UnacceptableAddressError struct {
	Host    string
	Port    int
	Reason  RejectReason
	Message string
}

func (e *UnacceptableAddressError) Error() string {
	switch {
	case e.Host == "":
		return e.Message
	case e.Port == 0:
		return e.Message + " (" + e.Host + ")"
	default:
		return e.Message + " (" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + ")"
	}
}

func (e *UnacceptableAddressError) Is(target error) bool {
	return target == ErrUnacceptableAddress
}

// ResolutionError wraps a name resolution failure. The underlying error is
// kept intact so callers can still match *net.DNSError.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ConnectionError wraps a transport failure that happened after the target
// address was validated.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsUnacceptable reports whether err is a policy rejection.
func IsUnacceptable(err error) bool {
	return errors.Is(err, ErrUnacceptableAddress)
}

// IsResolutionError reports whether err came from name resolution.
func IsResolutionError(err error) bool {
	var resErr *ResolutionError
	return errors.As(err, &resErr)
}

// IsConnectionError reports whether err came from the socket connect.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsRetryable reports whether a dial failure may succeed on a later attempt.
// Policy rejections, permanent resolution failures and cancelled or expired
// contexts are not retryable.
func IsRetryable(err error) bool {
	if err == nil || IsUnacceptable(err) || errors.Is(err, ErrConfiguration) {
		return false
	}
	// The caller gave up, whichever step was running at the time
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsConnectionError(err) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return false
}

func rejectTransport(kind TransportKind) error {
	msg := "transport not allowed: only tcp may be dialed"
	if kind == TransportLocal {
		msg = "transport not allowed: unix domain sockets are not allowed"
	}
	return &UnacceptableAddressError{Reason: RejectTransport, Message: msg}
}

func rejectPort(host string, port int) error {
	return &UnacceptableAddressError{
		Host:    host,
		Port:    port,
		Reason:  RejectPort,
		Message: "disallowed port detected",
	}
}

func rejectAllAddresses(host string) error {
	return &UnacceptableAddressError{
		Host:    host,
		Reason:  RejectAddress,
		Message: "all addresses were blacklisted",
	}
}

func rejectEmptyHost() error {
	return &UnacceptableAddressError{Reason: RejectAddress, Message: "empty host"}
}
