package common

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommaSeparated(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "single", input: "10.0.0.0/8", expected: []string{"10.0.0.0/8"}},
		{name: "multiple with spaces", input: "10.0.0.0/8, 192.168.1.1 ,8.8.8.8", expected: []string{"10.0.0.0/8", "192.168.1.1", "8.8.8.8"}},
		{name: "skips empty entries", input: "a,,b, ,", expected: []string{"a", "b"}},
		{name: "only separators", input: ",,", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCommaSeparated(tt.input))
		})
	}
}

func TestParsePorts(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  []int
		expectErr bool
	}{
		{name: "empty", input: "", expected: nil},
		{name: "single", input: "443", expected: []int{443}},
		{name: "multiple", input: "80, 443,8080", expected: []int{80, 443, 8080}},
		{name: "not a number", input: "80,https", expectErr: true},
		{name: "zero", input: "0", expectErr: true},
		{name: "too large", input: "65536", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ports, err := ParsePorts(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ports)
		})
	}
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "", HostOf(nil))
	assert.Equal(t, "127.0.0.1", HostOf(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}))
	assert.Equal(t, "/tmp/app.sock", HostOf(&net.UnixAddr{Name: "/tmp/app.sock", Net: "unix"}))
}

func TestNewLoggerFromString(t *testing.T) {
	logger, err := NewLoggerFromString("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLoggerFromString("loud")
	assert.Error(t, err)
}
