package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseCommaSeparated splits a comma-separated string into a slice of
// trimmed, non-empty strings. An empty input yields nil.
func ParseCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// ParsePorts parses a comma-separated list of port numbers. An empty input
// yields nil.
func ParsePorts(s string) ([]int, error) {
	fields := ParseCommaSeparated(s)
	if fields == nil {
		return nil, nil
	}
	ports := make([]int, 0, len(fields))
	for _, field := range fields {
		port, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", field, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("port must be between 1 and 65535, got %d", port)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// HostOf returns the host part of addr, or its full string form when it has
// no port.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
