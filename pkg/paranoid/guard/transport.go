package guard

import (
	"net/http"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"
)

// NewTransport returns an http.Transport that opens every connection through
// d, so redirects and retries are validated the same way as the first
// request.
func NewTransport(d *SafeDialer) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	// A proxy would resolve the target itself, past our validation
	t.Proxy = nil
	t.DialContext = d.DialContext
	t.DialTLSContext = nil
	return t
}

// NewClient returns an http.Client guarded by policy. A nil policy means
// DefaultPolicy.
func NewClient(policy *Policy, opts ...Option) *http.Client {
	return &http.Client{Transport: NewTransport(NewSafeDialer(policy, opts...))}
}

// TransportPool hands out one http.Transport per policy fingerprint so that
// idle connections validated under one policy are never reused for a
// request governed by another.
type TransportPool struct {
	cache gcache.Cache
	group singleflight.Group
	opts  []Option
}

// NewTransportPool creates a pool holding at most size transports. The least
// recently used transport is evicted and its idle connections closed. opts
// are applied to every SafeDialer the pool creates. A size below 1 is
// treated as 1.
func NewTransportPool(size int, opts ...Option) *TransportPool {
	if size < 1 {
		size = 1
	}
	return &TransportPool{
		cache: gcache.New(size).
			LRU().
			EvictedFunc(closeIdleTransport).
			Build(),
		opts: opts,
	}
}

// Transport returns the transport for policy, creating it on first use.
func (p *TransportPool) Transport(policy *Policy) *http.Transport {
	if policy == nil {
		policy = defaultPolicy
	}
	key := policy.Fingerprint()

	if v, err := p.cache.GetIFPresent(key); err == nil {
		return v.(*http.Transport)
	}

	v, _, _ := p.group.Do(key, func() (interface{}, error) {
		if v, err := p.cache.GetIFPresent(key); err == nil {
			return v, nil
		}
		t := NewTransport(NewSafeDialer(policy, p.opts...))
		_ = p.cache.Set(key, t)
		return t, nil
	})
	return v.(*http.Transport)
}

// Client returns an http.Client backed by the pooled transport for policy.
func (p *TransportPool) Client(policy *Policy) *http.Client {
	return &http.Client{Transport: p.Transport(policy)}
}

// Len returns the number of pooled transports.
func (p *TransportPool) Len() int {
	return p.cache.Len(false)
}

// Close closes idle connections of every pooled transport and empties the
// pool.
func (p *TransportPool) Close() {
	for _, v := range p.cache.GetALL(false) {
		closeIdleTransport(nil, v)
	}
	p.cache.Purge()
}

func closeIdleTransport(_, value interface{}) {
	if t, ok := value.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
