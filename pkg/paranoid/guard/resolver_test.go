package guard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLookup answers from a fixed table and counts queries.
type fakeLookup struct {
	mu      sync.Mutex
	records map[string][]string
	errs    map[string]error
	calls   int
	network string
}

func newFakeLookup(records map[string][]string) *fakeLookup {
	return &fakeLookup{records: records, errs: make(map[string]error)}
}

func (f *fakeLookup) LookupNetIP(_ context.Context, network, host string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.network = network

	if err, ok := f.errs[host]; ok {
		return nil, err
	}
	entries, ok := f.records[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	addrs := make([]netip.Addr, 0, len(entries))
	for _, entry := range entries {
		addrs = append(addrs, netip.MustParseAddr(entry))
	}
	return addrs, nil
}

func (f *fakeLookup) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestResolver_Resolve(t *testing.T) {
	lookup := newFakeLookup(map[string][]string{
		"public.test":  {"93.184.216.34"},
		"mixed.test":   {"10.0.0.1", "93.184.216.34", "8.8.8.8"},
		"private.test": {"10.0.0.1", "127.0.0.1", "169.254.169.254"},
		"mapped.test":  {"::ffff:93.184.216.34"},
	})
	r := NewResolver(lookup)
	ctx := context.Background()

	tests := []struct {
		name       string
		host       string
		want       string
		wantReject bool
	}{
		{name: "single public address", host: "public.test", want: "93.184.216.34"},
		{name: "first safe address wins", host: "mixed.test", want: "93.184.216.34"},
		{name: "all addresses blacklisted", host: "private.test", wantReject: true},
		{name: "IPv4-mapped answer is canonicalized", host: "mapped.test", want: "93.184.216.34"},
		{name: "literal public address", host: "8.8.8.8", want: "8.8.8.8"},
		{name: "literal private address", host: "10.0.0.5", wantReject: true},
		{name: "literal IPv6 address", host: "2606:4700::1111", wantReject: true},
		{name: "literal IPv4-mapped address", host: "::ffff:8.8.8.8", wantReject: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.host, DefaultPolicy())
			if tt.wantReject {
				require.Error(t, err)
				assert.True(t, IsUnacceptable(err))
				assert.False(t, IsResolutionError(err))
				assert.Contains(t, err.Error(), "all addresses were blacklisted")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Address)
			assert.Equal(t, 4, got.Family)
			assert.True(t, got.Addr().Is4())
		})
	}
}

func TestResolver_LiteralSkipsLookup(t *testing.T) {
	lookup := newFakeLookup(nil)
	r := NewResolver(lookup)

	_, err := r.Resolve(context.Background(), "8.8.8.8", DefaultPolicy())
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "10.0.0.5", DefaultPolicy())
	require.Error(t, err)

	assert.Equal(t, 0, lookup.Calls())
}

func TestResolver_QueriesIPv4Only(t *testing.T) {
	lookup := newFakeLookup(map[string][]string{"public.test": {"93.184.216.34"}})
	r := NewResolver(lookup)

	_, err := r.Resolve(context.Background(), "public.test", nil)
	require.NoError(t, err)
	assert.Equal(t, "ip4", lookup.network)
}

func TestResolver_EmptyHost(t *testing.T) {
	lookup := newFakeLookup(nil)
	r := NewResolver(lookup)

	_, err := r.Resolve(context.Background(), "", DefaultPolicy())
	require.Error(t, err)
	assert.True(t, IsUnacceptable(err))
	assert.Equal(t, 0, lookup.Calls())
}

func TestResolver_ResolutionErrorPassthrough(t *testing.T) {
	lookup := newFakeLookup(nil)
	lookup.errs["flaky.test"] = &net.DNSError{Err: "server misbehaving", Name: "flaky.test", IsTemporary: true}
	r := NewResolver(lookup)

	tests := []struct {
		name          string
		host          string
		wantRetryable bool
	}{
		{name: "not found", host: "missing.test", wantRetryable: false},
		{name: "temporary failure", host: "flaky.test", wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.host, DefaultPolicy())
			require.Error(t, err)

			assert.True(t, IsResolutionError(err))
			assert.False(t, IsUnacceptable(err))

			var dnsErr *net.DNSError
			require.True(t, errors.As(err, &dnsErr))
			assert.Equal(t, tt.host, dnsErr.Name)
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
		})
	}
}

func TestResolver_EmptyAnswer(t *testing.T) {
	lookup := newFakeLookup(map[string][]string{"empty.test": {}})
	r := NewResolver(lookup)

	_, err := r.Resolve(context.Background(), "empty.test", DefaultPolicy())
	require.Error(t, err)
	assert.True(t, IsResolutionError(err))

	var dnsErr *net.DNSError
	require.True(t, errors.As(err, &dnsErr))
	assert.True(t, dnsErr.IsNotFound)
}

func TestResolver_ResolveAll(t *testing.T) {
	lookup := newFakeLookup(map[string][]string{
		"mixed.test": {"10.0.0.1", "93.184.216.34", "127.0.0.1"},
	})
	r := NewResolver(lookup)

	candidates, err := r.ResolveAll(context.Background(), "mixed.test", DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, []Candidate{
		{Address: "10.0.0.1", Safe: false},
		{Address: "93.184.216.34", Safe: true},
		{Address: "127.0.0.1", Safe: false},
	}, candidates)
}

func TestResolver_PolicyAllowList(t *testing.T) {
	lookup := newFakeLookup(map[string][]string{"internal.test": {"10.0.0.5"}})
	r := NewResolver(lookup)

	p, err := NewPolicy(PolicyOptions{IPAllowList: []string{"10.0.0.5/32"}})
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), "internal.test", p)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.Address)

	_, err = r.Resolve(context.Background(), "internal.test", DefaultPolicy())
	assert.True(t, IsUnacceptable(err))
}
