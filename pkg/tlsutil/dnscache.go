package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultResolverTTL = 5 * time.Minute

var (
	resolverMu  sync.Mutex
	resolver    *dnscache.Resolver
	resolverTTL = defaultResolverTTL
	stopRefresh chan struct{}
)

// Resolver returns the shared caching resolver, starting its refresh loop on first use.
func Resolver() *dnscache.Resolver {
	resolverMu.Lock()
	defer resolverMu.Unlock()

	if resolver == nil {
		resolver = &dnscache.Resolver{}
		stopRefresh = make(chan struct{})
		go refreshLoop(resolver, resolverTTL, stopRefresh)
		log.Debug().Dur("ttl", resolverTTL).Msg("DNS resolver cache initialized")
	}
	return resolver
}

// SetDNSCacheTTL sets the refresh period. It only affects a resolver created
// after the call, so it belongs early in startup.
func SetDNSCacheTTL(ttl time.Duration) {
	resolverMu.Lock()
	defer resolverMu.Unlock()

	if ttl <= 0 {
		ttl = defaultResolverTTL
	}
	resolverTTL = ttl
}

// ResetResolver stops the refresh loop and drops cached entries.
func ResetResolver() {
	resolverMu.Lock()
	defer resolverMu.Unlock()

	if stopRefresh != nil {
		close(stopRefresh)
		stopRefresh = nil
	}
	resolver = nil
}

func refreshLoop(r *dnscache.Resolver, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Refresh(true)
		}
	}
}

// DialContextWithCache dials through the caching resolver, trying each
// resolved address in order.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := Resolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
