package egress

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tbxark/paranoid/pkg/paranoid/guard"
)

// Config holds egress proxy configuration.
type Config struct {
	ListenAddr             string             `validate:"required,hostname_port"`
	DialTimeout            time.Duration      `validate:"required,min=1ms"`
	MaxSessions            int                `validate:"required,min=1"`
	MaxViolations          int                `validate:"required,min=1"`
	ViolationWindow        time.Duration      `validate:"required,min=1ms"`
	ViolationBlockDuration time.Duration      `validate:"required,min=1ms"`
	Policy                 guard.PolicyOptions
}

var validate = validator.New()

// Validate validates the configuration, including the policy options.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if _, err := guard.NewPolicy(c.Policy); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	return nil
}

// BuildPolicy builds the proxy's policy from the configured options.
func (c *Config) BuildPolicy() (*guard.Policy, error) {
	return guard.NewPolicy(c.Policy)
}
