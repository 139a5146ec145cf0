package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
)

// Non-routable, reserved and special-purpose IPv4 ranges. These are always
// denied unless a policy allow list punches a hole in them.
var builtinDenyList = mustParsePrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/29",
	"192.0.0.170/31",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
)

// Common HTTP(S) ports, used when a policy configures no port list at all.
var defaultPortAllowList = []int{80, 8080, 443, 8443, 8000}

var defaultPolicy = mustNewPolicy(PolicyOptions{})

// PolicyOptions describes a Policy before construction. NewPolicy copies
// everything it reads, so the options value may be reused or changed
// afterwards without affecting the policy built from it.
type PolicyOptions struct {
	// IPAllowList holds IPv4 CIDRs (or bare IPv4 addresses) that are always
	// allowed, even when they fall inside a denied range.
	IPAllowList []string `yaml:"ip_allow" validate:"omitempty,dive,required"`
	// IPDenyList holds IPv4 CIDRs denied in addition to the built-in ranges.
	IPDenyList []string `yaml:"ip_deny" validate:"omitempty,dive,required"`
	// PortAllowList restricts dials to the listed ports. A nil list, together
	// with an empty PortDenyList, selects the default HTTP(S) ports; an empty
	// non-nil list disables the allow list.
	PortAllowList []int `yaml:"port_allow" validate:"omitempty,dive,min=1,max=65535"`
	// PortDenyList rejects the listed ports. Mutually exclusive with
	// PortAllowList.
	PortDenyList []int `yaml:"port_deny" validate:"omitempty,dive,min=1,max=65535"`
}

// Policy decides which IPv4 addresses and ports may be dialed. A Policy is
// immutable and safe for concurrent use.
type Policy struct {
	ipAllow     []netip.Prefix
	ipDeny      []netip.Prefix
	portAllow   []int
	portDeny    []int
	fingerprint string
}

// NewPolicy validates opts and builds an immutable Policy.
func NewPolicy(opts PolicyOptions) (*Policy, error) {
	if len(opts.PortAllowList) > 0 && len(opts.PortDenyList) > 0 {
		return nil, &ConfigurationError{Message: "only a port allow list or a port deny list may be set, not both"}
	}

	ipAllow, err := parsePrefixes(opts.IPAllowList)
	if err != nil {
		return nil, &ConfigurationError{Message: "ip allow list", Err: err}
	}
	ipDeny, err := parsePrefixes(opts.IPDenyList)
	if err != nil {
		return nil, &ConfigurationError{Message: "ip deny list", Err: err}
	}

	portAllow := opts.PortAllowList
	if portAllow == nil && len(opts.PortDenyList) == 0 {
		portAllow = defaultPortAllowList
	}

	p := &Policy{
		ipAllow:   ipAllow,
		ipDeny:    ipDeny,
		portAllow: normalizePorts(portAllow),
		portDeny:  normalizePorts(opts.PortDenyList),
	}
	p.fingerprint = p.computeFingerprint()
	return p, nil
}

func mustNewPolicy(opts PolicyOptions) *Policy {
	p, err := NewPolicy(opts)
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultPolicy returns the shared default policy: built-in deny ranges and
// the default HTTP(S) port allow list.
func DefaultPolicy() *Policy {
	return defaultPolicy
}

// IsSafeIP reports whether address may be dialed. Anything that is not a
// plain dotted-quad IPv4 address is unsafe.
func (p *Policy) IsSafeIP(address string) bool {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		return false
	}
	return p.isSafeAddr(addr)
}

func (p *Policy) isSafeAddr(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}

	// The allow list is checked first so it can punch holes in the deny list
	if containsAddr(p.ipAllow, addr) {
		return true
	}

	return !containsAddr(builtinDenyList, addr) && !containsAddr(p.ipDeny, addr)
}

// IsSafePort reports whether port may be dialed.
func (p *Policy) IsSafePort(port int) bool {
	if port < 1 || port > 65535 {
		return false
	}
	if len(p.portAllow) > 0 {
		_, found := slices.BinarySearch(p.portAllow, port)
		return found
	}
	if len(p.portDeny) > 0 {
		_, found := slices.BinarySearch(p.portDeny, port)
		return !found
	}
	return true
}

// Fingerprint identifies the policy by content. Policies built from
// equivalent options share a fingerprint, so it can key connection pools.
func (p *Policy) Fingerprint() string {
	return p.fingerprint
}

func (p *Policy) String() string {
	return "policy:" + p.fingerprint
}

// Options returns a copy of the policy's effective configuration, suitable
// for deriving a new policy.
func (p *Policy) Options() PolicyOptions {
	opts := PolicyOptions{
		IPAllowList:   prefixStrings(p.ipAllow),
		IPDenyList:    prefixStrings(p.ipDeny),
		PortAllowList: slices.Clone(p.portAllow),
		PortDenyList:  slices.Clone(p.portDeny),
	}
	if opts.PortAllowList == nil {
		opts.PortAllowList = []int{}
	}
	return opts
}

func (p *Policy) computeFingerprint() string {
	var b strings.Builder
	b.WriteString("allow=")
	b.WriteString(strings.Join(prefixStrings(p.ipAllow), ","))
	b.WriteString(";deny=")
	b.WriteString(strings.Join(prefixStrings(p.ipDeny), ","))
	b.WriteString(";ports+=")
	b.WriteString(joinPorts(p.portAllow))
	b.WriteString(";ports-=")
	b.WriteString(joinPorts(p.portDeny))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// ValidateAddress is a standalone pre-flight check of address against
// policy. A nil policy means the default policy.
func ValidateAddress(policy *Policy, address string) bool {
	if policy == nil {
		policy = defaultPolicy
	}
	return policy.IsSafeIP(address)
}

// ValidatePort is a standalone pre-flight check of port against policy. A
// nil policy means the default policy.
func ValidatePort(policy *Policy, port int) bool {
	if policy == nil {
		policy = defaultPolicy
	}
	return policy.IsSafePort(port)
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		prefix, err := parsePrefix(entry)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(prefixes, prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	slices.SortFunc(prefixes, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return prefixes, nil
}

// parsePrefix accepts "a.b.c.d/n" or a bare "a.b.c.d" (treated as /32).
func parsePrefix(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)

	var prefix netip.Prefix
	if strings.Contains(entry, "/") {
		parsed, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR block %q: %w", entry, err)
		}
		prefix = parsed
	} else {
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR block %q: %w", entry, err)
		}
		prefix = netip.PrefixFrom(addr, 32)
	}

	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR block %q: only IPv4 ranges are supported", entry)
	}
	return prefix.Masked(), nil
}

func mustParsePrefixes(entries ...string) []netip.Prefix {
	prefixes, err := parsePrefixes(entries)
	if err != nil {
		panic(err)
	}
	return prefixes
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func prefixStrings(prefixes []netip.Prefix) []string {
	out := make([]string, len(prefixes))
	for i, prefix := range prefixes {
		out[i] = prefix.String()
	}
	return out
}

func normalizePorts(ports []int) []int {
	if len(ports) == 0 {
		return nil
	}
	out := slices.Clone(ports)
	slices.Sort(out)
	return slices.Compact(out)
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, port := range ports {
		parts[i] = strconv.Itoa(port)
	}
	return strings.Join(parts, ",")
}
