package egress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbxark/paranoid/pkg/paranoid/guard"
)

func validConfig() *Config {
	return &Config{
		ListenAddr:             "127.0.0.1:1080",
		DialTimeout:            5 * time.Second,
		MaxSessions:            16,
		MaxViolations:          3,
		ViolationWindow:        time.Minute,
		ViolationBlockDuration: time.Minute,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:   "valid with policy",
			mutate: func(c *Config) { c.Policy = guard.PolicyOptions{IPAllowList: []string{"10.0.0.0/8"}, PortDenyList: []int{22}} },
		},
		{name: "missing listen address", mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: "configuration validation failed"},
		{name: "listen address without port", mutate: func(c *Config) { c.ListenAddr = "127.0.0.1" }, wantErr: "configuration validation failed"},
		{name: "zero sessions", mutate: func(c *Config) { c.MaxSessions = 0 }, wantErr: "configuration validation failed"},
		{name: "zero dial timeout", mutate: func(c *Config) { c.DialTimeout = 0 }, wantErr: "configuration validation failed"},
		{name: "zero violations", mutate: func(c *Config) { c.MaxViolations = 0 }, wantErr: "configuration validation failed"},
		{name: "port out of range", mutate: func(c *Config) { c.Policy.PortAllowList = []int{0} }, wantErr: "configuration validation failed"},
		{
			name:    "both port lists",
			mutate:  func(c *Config) { c.Policy = guard.PolicyOptions{PortAllowList: []int{80}, PortDenyList: []int{22}} },
			wantErr: "policy validation failed",
		},
		{
			name:    "bad CIDR",
			mutate:  func(c *Config) { c.Policy.IPDenyList = []string{"10.0.0.0/99"} },
			wantErr: "policy validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfigBuildPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Policy.IPAllowList = []string{"10.0.0.5"}

	p, err := cfg.BuildPolicy()
	require.NoError(t, err)
	assert.True(t, p.IsSafeIP("10.0.0.5"))
	assert.True(t, p.IsSafePort(443))
	assert.False(t, p.IsSafePort(22))
}
