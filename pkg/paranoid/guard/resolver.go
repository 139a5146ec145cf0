package guard

import (
	"context"
	"net"
	"net/netip"
)

// HostLookup resolves a host name. *net.Resolver satisfies it.
type HostLookup interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ResolvedAddress is a validated, canonical IPv4 address.
type ResolvedAddress struct {
	Address string // Dotted-quad form
	Family  int    // Always 4

	addr netip.Addr
}

// Addr returns the address as a netip.Addr.
func (a ResolvedAddress) Addr() netip.Addr {
	return a.addr
}

// Candidate is one resolved address together with the policy verdict.
type Candidate struct {
	Address string
	Safe    bool
}

// Resolver turns a host into IPv4 candidates and filters them through a
// Policy.
type Resolver struct {
	lookup HostLookup
}

// NewResolver creates a Resolver backed by lookup. A nil lookup uses
// net.DefaultResolver.
func NewResolver(lookup HostLookup) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Resolver{lookup: lookup}
}

// Resolve returns the first address, in resolver order, that policy accepts.
// A nil policy means the default policy.
//
// A lookup failure is returned as *ResolutionError and never as a policy
// rejection. If every candidate is rejected the error is an
// *UnacceptableAddressError.
func (r *Resolver) Resolve(ctx context.Context, host string, policy *Policy) (ResolvedAddress, error) {
	if policy == nil {
		policy = defaultPolicy
	}
	addrs, err := r.lookupIPv4(ctx, host)
	if err != nil {
		return ResolvedAddress{}, err
	}

	for _, addr := range addrs {
		if policy.isSafeAddr(addr) {
			return ResolvedAddress{Address: addr.String(), Family: 4, addr: addr}, nil
		}
	}

	return ResolvedAddress{}, rejectAllAddresses(host)
}

// ResolveAll returns every candidate for host with its verdict under policy,
// without selecting one.
func (r *Resolver) ResolveAll(ctx context.Context, host string, policy *Policy) ([]Candidate, error) {
	if policy == nil {
		policy = defaultPolicy
	}
	addrs, err := r.lookupIPv4(ctx, host)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, len(addrs))
	for i, addr := range addrs {
		candidates[i] = Candidate{Address: addr.String(), Safe: policy.isSafeAddr(addr)}
	}
	return candidates, nil
}

func (r *Resolver) lookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	if host == "" {
		return nil, rejectEmptyHost()
	}

	// Literal addresses skip the lookup but still go through the filter
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	addrs, err := r.lookup.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, &ResolutionError{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ResolutionError{
			Host: host,
			Err:  &net.DNSError{Err: "no such host", Name: host, IsNotFound: true},
		}
	}

	canonical := make([]netip.Addr, len(addrs))
	for i, addr := range addrs {
		canonical[i] = addr.Unmap()
	}
	return canonical, nil
}
