package guard

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// ParsePolicyYAML builds a Policy from a YAML document such as:
//
//	ip_allow: ["10.0.0.5/32"]
//	ip_deny: ["93.184.216.0/24"]
//	port_allow: [80, 443]
//
// Omitting both port keys selects the default HTTP(S) ports.
func ParsePolicyYAML(data []byte) (*Policy, error) {
	var opts PolicyOptions

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigurationError{Message: "parse policy file", Err: err}
	}

	if err := validate.Struct(opts); err != nil {
		return nil, &ConfigurationError{Message: "validate policy file", Err: err}
	}

	return NewPolicy(opts)
}

// LoadPolicyFile reads and parses a YAML policy file.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Message: "read policy file", Err: err}
	}
	return ParsePolicyYAML(data)
}
