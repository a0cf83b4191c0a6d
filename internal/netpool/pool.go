// Package netpool constructs the process-wide outbound HTTP client: a capped
// connection pool and an in-process DNS cache with TTL. The client is built
// once at startup and shared by every upstream caller; nothing in this
// package mutates global state unless the caller opts in explicitly.
package netpool

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config holds the outbound pool parameters.
type Config struct {
	// MaxSockets caps both total and per-host connections. Defaults to 64.
	MaxSockets int

	// DNSCacheTTL is how long resolved addresses are reused. Zero disables
	// the DNS cache entirely.
	DNSCacheTTL time.Duration

	// UseGlobalAgent additionally installs the pooled transport as
	// http.DefaultTransport. Off by default: replacing process-wide defaults
	// is opt-in only.
	UseGlobalAgent bool
}

// NewClient builds the shared outbound *http.Client from cfg.
func NewClient(cfg *Config) *http.Client {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = 64
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	dialCtx := dialer.DialContext
	if cfg.DNSCacheTTL > 0 {
		dialCtx = (&cachingDialer{
			dial:    dialer.DialContext,
			ttl:     cfg.DNSCacheTTL,
			entries: make(map[string]dnsEntry),
		}).DialContext
	}

	transport := &http.Transport{
		DialContext:           dialCtx,
		MaxConnsPerHost:       cfg.MaxSockets,
		MaxIdleConns:          cfg.MaxSockets,
		MaxIdleConnsPerHost:   cfg.MaxSockets,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	if cfg.UseGlobalAgent {
		http.DefaultTransport = transport
	}

	// No client-level timeout: per-attempt timeouts are enforced by the
	// retry driver, and SSE streams must be able to outlive any fixed cap.
	return &http.Client{Transport: transport}
}

// dnsEntry is one cached resolution result.
type dnsEntry struct {
	addrs     []string
	expiresAt time.Time
}

// cachingDialer wraps a DialContext with a host → address cache.
// A failed dial against a cached address falls through to a fresh lookup so
// a stale record cannot wedge the pool for a full TTL.
type cachingDialer struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]dnsEntry
}

// DialContext resolves the host through the cache and dials the first
// reachable address.
func (d *cachingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || net.ParseIP(host) != nil {
		// Not a name we can cache — dial straight through.
		return d.dial(ctx, network, addr)
	}

	addrs, cached := d.lookup(ctx, host)
	if len(addrs) > 0 {
		var lastErr error
		for _, ip := range addrs {
			conn, dialErr := d.dial(ctx, network, net.JoinHostPort(ip, port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
		if cached {
			// Every cached address failed; drop the entry and retry fresh.
			d.evict(host)
			return d.dial(ctx, network, addr)
		}
		return nil, lastErr
	}

	return d.dial(ctx, network, addr)
}

// lookup returns the cached addresses for host, resolving and caching on a
// miss. The second return reports whether the result came from the cache.
func (d *cachingDialer) lookup(ctx context.Context, host string) ([]string, bool) {
	d.mu.Lock()
	if e, ok := d.entries[host]; ok && time.Now().Before(e.expiresAt) {
		addrs := e.addrs
		d.mu.Unlock()
		return addrs, true
	}
	d.mu.Unlock()

	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, false
	}

	d.mu.Lock()
	d.entries[host] = dnsEntry{addrs: ips, expiresAt: time.Now().Add(d.ttl)}
	d.mu.Unlock()
	return ips, false
}

// evict removes the cache entry for host.
func (d *cachingDialer) evict(host string) {
	d.mu.Lock()
	delete(d.entries, host)
	d.mu.Unlock()
}
