// Package dns resolves the signaling server's host when the system resolver
// cannot, by asking well-known public resolvers directly.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoAddress is returned when a lookup succeeds without any address.
var ErrNoAddress = errors.New("no IP addresses found")

// Public resolvers tried in parallel after the system resolver fails.
var publicResolvers = []string{
	"1.1.1.1", "1.0.0.1", "2606:4700:4700::1111", // Cloudflare
	"8.8.8.8", "8.8.4.4", "2001:4860:4860::8888", // Google
	"9.9.9.9", "149.112.112.112", // Quad9
}

const (
	DefaultSystemTimeout = 1 * time.Second
	DefaultPublicTimeout = 2 * time.Second
	DefaultCacheTTL      = 5 * time.Minute
)

type cached struct {
	addr    string
	expires time.Time
}

// Resolver looks hosts up with the system resolver first and races the
// public resolvers when that fails. Answers are cached for CacheTTL and
// concurrent lookups of one host share a single query.
type Resolver struct {
	SystemTimeout time.Duration
	PublicTimeout time.Duration
	CacheTTL      time.Duration

	// Public overrides the list of fallback resolvers. Nil uses the
	// built-in list; an empty slice disables the fallback.
	Public []string

	system func(ctx context.Context, host string) ([]string, error)
	public func(ctx context.Context, host, server string) ([]string, error)

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cached
}

// Default is used by the package-level Lookup and DialContext.
var Default = &Resolver{}

func Lookup(ctx context.Context, host string) (string, error) {
	return Default.Lookup(ctx, host)
}

// DialContext fits websocket.Dialer.NetDialContext.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return Default.DialContext(ctx, network, addr)
}

// Lookup returns one address for host, IPv4 when there is one. IP
// literals are returned as given.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	if addr, ok := r.cached(host); ok {
		return addr, nil
	}

	// The shared query outlives any single caller; each caller stops
	// waiting when its own context ends.
	ch := r.group.DoChan(host, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.queryTimeout())
		defer cancel()
		addr, err := r.resolve(qctx, host)
		if err == nil {
			r.store(host, addr)
		}
		return addr, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) queryTimeout() time.Duration {
	return orDefault(r.SystemTimeout, DefaultSystemTimeout) + orDefault(r.PublicTimeout, DefaultPublicTimeout)
}

func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func (r *Resolver) resolve(ctx context.Context, host string) (string, error) {
	sysCtx, cancel := context.WithTimeout(ctx, orDefault(r.SystemTimeout, DefaultSystemTimeout))
	addrs, err := r.systemLookup(sysCtx, host)
	cancel()
	if err == nil {
		if addr, perr := preferIPv4(addrs); perr == nil {
			return addr, nil
		}
	}

	servers := r.Public
	if servers == nil {
		servers = publicResolvers
	}
	if len(servers) == 0 {
		if err == nil {
			err = ErrNoAddress
		}
		return "", err
	}

	slog.Debug("system DNS lookup failed, racing public resolvers", "host", host, "error", err)
	return r.race(ctx, host, servers)
}

// race returns the first answer from any of servers.
func (r *Resolver) race(ctx context.Context, host string, servers []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, orDefault(r.PublicTimeout, DefaultPublicTimeout))
	defer cancel()

	type answer struct {
		addr string
		err  error
	}
	answers := make(chan answer, len(servers))
	for _, server := range servers {
		go func() {
			addrs, err := r.publicLookup(ctx, host, server)
			if err != nil {
				answers <- answer{err: err}
				return
			}
			addr, err := preferIPv4(addrs)
			answers <- answer{addr: addr, err: err}
		}()
	}

	var errs []error
	for range servers {
		select {
		case a := <-answers:
			if a.err == nil {
				return a.addr, nil
			}
			errs = append(errs, a.err)
		case <-ctx.Done():
			return "", fmt.Errorf("public DNS lookup of %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("public DNS lookup of %s failed on %d resolvers: %w", host, len(errs), errors.Join(errs...))
}

func (r *Resolver) systemLookup(ctx context.Context, host string) ([]string, error) {
	if r.system != nil {
		return r.system(ctx, host)
	}
	return net.DefaultResolver.LookupHost(ctx, host)
}

func (r *Resolver) publicLookup(ctx context.Context, host, server string) ([]string, error) {
	if r.public != nil {
		return r.public(ctx, host, server)
	}
	res := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
		},
	}
	return res.LookupHost(ctx, host)
}

func (r *Resolver) cached(host string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[host]
	if !ok || time.Now().After(c.expires) {
		return "", false
	}
	return c.addr, true
}

func (r *Resolver) store(host, addr string) {
	ttl := orDefault(r.CacheTTL, DefaultCacheTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		r.cache = make(map[string]cached)
	}
	r.cache[host] = cached{addr: addr, expires: time.Now().Add(ttl)}
}

func preferIPv4(addrs []string) (string, error) {
	if len(addrs) == 0 {
		return "", ErrNoAddress
	}
	for _, a := range addrs {
		if ip, err := netip.ParseAddr(a); err == nil && ip.Unmap().Is4() {
			return a, nil
		}
	}
	return addrs[0], nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
