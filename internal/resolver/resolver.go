// Package resolver turns a SIP URI into a transport endpoint, following the
// SRV-then-A/AAAA resolution order a SIP UAC needs before it can hand a
// request to the transaction layer. NAPTR is intentionally skipped:
// callers that need NAPTR should do so before calling in.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/sipwire/uacore/internal/ttlcache"
)

// Protocol is the transport a SIP endpoint is reachable on.
type Protocol string

const (
	ProtoUDP Protocol = "udp"
	ProtoTCP Protocol = "tcp"
	ProtoTLS Protocol = "tls"
	ProtoWS  Protocol = "ws"
	ProtoWSS Protocol = "wss"
)

// Endpoint is a resolved transport destination. It is a value type: callers
// may copy and compare it freely.
type Endpoint struct {
	Protocol Protocol
	Address  string
	Port     int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s:%d", e.Protocol, e.Address, e.Port)
}

// HostPort renders "address:port" for use as a sip.Request destination.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, fmt.Sprintf("%d", e.Port))
}

// ErrUnresolvable is returned when a URI's host cannot be turned into any
// endpoint. Callers must not create a transaction in this case.
type ErrUnresolvable struct {
	Host string
}

func (e *ErrUnresolvable) Error() string {
	return fmt.Sprintf("unresolvable destination %q", e.Host)
}

func defaultPort(proto Protocol) int {
	switch proto {
	case ProtoTLS, ProtoWSS:
		return 5061
	default:
		return 5060
	}
}

// LookupFunc allows tests to stub out the OS resolver.
type LookupFunc struct {
	LookupHost func(ctx context.Context, host string) ([]string, error)
	LookupSRV  func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

func defaultLookup() LookupFunc {
	r := net.DefaultResolver
	return LookupFunc{
		LookupHost: r.LookupHost,
		LookupSRV:  r.LookupSRV,
	}
}

// Resolver implements the SIP destination resolution algorithm, with a
// positive cache and a negative (failure) cache.
type Resolver struct {
	lookup       LookupFunc
	log          zerolog.Logger
	positive     *ttlcache.Cache[string, Endpoint]
	negative     *ttlcache.Cache[string, struct{}]
	queryTimeout time.Duration
	retries      int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger overrides the resolver's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithLookup overrides the OS lookup functions, for tests.
func WithLookup(l LookupFunc) Option {
	return func(r *Resolver) { r.lookup = l }
}

// WithQueryTimeout overrides the per-server query timeout (default 1s).
func WithQueryTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.queryTimeout = d }
}

// WithRetries overrides the retry count per server (default 1).
func WithRetries(n int) Option {
	return func(r *Resolver) { r.retries = n }
}

// New creates a Resolver with a process-wide cache.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		lookup:       defaultLookup(),
		log:          zerolog.Nop(),
		positive:     ttlcache.New[string, Endpoint](30 * time.Second),
		negative:     ttlcache.New[string, struct{}](30 * time.Second),
		queryTimeout: time.Second,
		retries: 1,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Peek is a synchronous cache-only probe: it never performs I/O and
// returns ok=false on a cache miss.
func (r *Resolver) Peek(u sip.Uri) (Endpoint, bool) {
	ep, ok := r.positive.Get(cacheKey(u))
	return ep, ok
}

// Resolve performs the full resolution algorithm, consulting and updating
// the caches along the way.
func (r *Resolver) Resolve(ctx context.Context, u sip.Uri, preferIPv6 bool) (Endpoint, error) {
	key := cacheKey(u)

	if ep, ok := r.positive.Get(key); ok {
		return ep, nil
	}
	if _, failed := r.negative.Get(key); failed {
		return Endpoint{}, &ErrUnresolvable{Host: u.Host}
	}

	ep, err := r.resolve(ctx, u, preferIPv6)
	if err != nil {
		r.negative.Set(key, struct{}{}, 10*time.Second)
		return Endpoint{}, err
	}

	r.positive.Set(key, ep, 30*time.Second)
	return ep, nil
}

func cacheKey(u sip.Uri) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%d", u.Scheme, u.Host, u.UriParams["transport"], u.Port))
}

func (r *Resolver) resolve(ctx context.Context, u sip.Uri, preferIPv6 bool) (Endpoint, error) {
	proto := transportOf(u)

	// Step 1: literal IP.
	if ip := net.ParseIP(u.Host); ip != nil {
		port := u.Port
		if port == 0 {
			port = defaultPort(proto)
		}
		return Endpoint{Protocol: proto, Address: u.Host, Port: port}, nil
	}

	// Step 2: unqualified or .local host -> OS lookup path only, no SRV.
	if !strings.Contains(u.Host, ".") || strings.HasSuffix(strings.ToLower(u.Host), ".local") {
		return r.lookupHostOnly(ctx, u.Host, u.Port, proto, preferIPv6)
	}

	// Step 3: explicit port skips SRV.
	if u.Port != 0 {
		return r.lookupAddrFamily(ctx, u.Host, u.Port, proto, preferIPv6)
	}

	// Step 4/5: SRV then A/AAAA on the chosen target.
	ep, err := r.lookupSRV(ctx, u, proto, preferIPv6)
	if err == nil {
		return ep, nil
	}
	r.log.Debug().Err(err).Str("host", u.Host).Msg("SRV lookup failed, falling back to direct A/AAAA")

	return r.lookupAddrFamily(ctx, u.Host, defaultPort(proto), proto, preferIPv6)
}

func transportOf(u sip.Uri) Protocol {
	if t, ok := u.UriParams["transport"]; ok {
		switch strings.ToLower(t) {
		case "tcp":
			return ProtoTCP
		case "tls":
			return ProtoTLS
		case "ws":
			return ProtoWS
		case "wss":
			return ProtoWSS
		}
	}
	switch strings.ToLower(u.Scheme) {
	case "sips":
		return ProtoTLS
	case "ws":
		return ProtoWS
	case "wss":
		return ProtoWSS
	default:
		return ProtoUDP
	}
}

// srvServiceName maps a URI scheme and transport to an SRV service name.
func srvServiceName(u sip.Uri, proto Protocol) (service, net_ string) {
	if strings.ToLower(u.Scheme) == "sips" {
		if proto == ProtoWS || proto == ProtoWSS {
			return "sips", "ws"
		}
		return "sips", "tcp"
	}
	return "sip", string(proto)
}

func (r *Resolver) lookupSRV(ctx context.Context, u sip.Uri, proto Protocol, preferIPv6 bool) (Endpoint, error) {
	service, net_ := srvServiceName(u, proto)

	var srvs []*net.SRV
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		_, srvs, err = r.lookup.LookupSRV(qctx, service, net_, u.Host)
		cancel()
		if err == nil && len(srvs) > 0 {
			break
		}
	}
	if err != nil || len(srvs) == 0 {
		return Endpoint{}, fmt.Errorf("no SRV records for %s._%s.%s: %w", service, net_, u.Host, err)
	}

	best := pickSRV(srvs)
	return r.lookupAddrFamily(ctx, strings.TrimSuffix(best.Target, "."), int(best.Port), proto, preferIPv6)
}

// pickSRV chooses lowest priority, tie-broken on highest weight, rather
// than randomizing among equal weight/priority records. That keeps
// selection deterministic; the policy is named here so a future change
// is a one-line diff.
func pickSRV(srvs []*net.SRV) *net.SRV {
	best := srvs[0]
	for _, s := range srvs[1:] {
		if s.Priority < best.Priority || (s.Priority == best.Priority && s.Weight > best.Weight) {
			best = s
		}
	}
	return best
}

func (r *Resolver) lookupHostOnly(ctx context.Context, host string, port int, proto Protocol, preferIPv6 bool) (Endpoint, error) {
	if port == 0 {
		port = defaultPort(proto)
	}
	addrs, err := r.lookupAll(ctx, host)
	if err != nil || len(addrs) == 0 {
		return Endpoint{}, &ErrUnresolvable{Host: host}
	}

	if a, ok := pickPreferred(addrs, preferIPv6); ok {
		return Endpoint{Protocol: proto, Address: a, Port: port}, nil
	}
	return Endpoint{Protocol: proto, Address: addrs[0], Port: port}, nil
}

func (r *Resolver) lookupAddrFamily(ctx context.Context, host string, port int, proto Protocol, preferIPv6 bool) (Endpoint, error) {
	if port == 0 {
		port = defaultPort(proto)
	}
	if ip := net.ParseIP(host); ip != nil {
		return Endpoint{Protocol: proto, Address: host, Port: port}, nil
	}

	addrs, err := r.lookupAll(ctx, host)
	if err != nil || len(addrs) == 0 {
		return Endpoint{}, &ErrUnresolvable{Host: host}
	}

	// AAAA when preferred, falling back to A on empty, and vice versa.
	if a, ok := pickPreferred(addrs, preferIPv6); ok {
		return Endpoint{Protocol: proto, Address: a, Port: port}, nil
	}
	return Endpoint{Protocol: proto, Address: addrs[0], Port: port}, nil
}

func (r *Resolver) lookupAll(ctx context.Context, host string) ([]string, error) {
	var addrs []string
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
		addrs, err = r.lookup.LookupHost(qctx, host)
		cancel()
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
	}
	return nil, err
}

func pickPreferred(addrs []string, preferIPv6 bool) (string, bool) {
	var v4, v6 string
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			if v4 == "" {
				v4 = a
			}
		} else if v6 == "" {
			v6 = a
		}
	}
	if preferIPv6 {
		if v6 != "" {
			return v6, true
		}
		if v4 != "" {
			return v4, true
		}
		return "", false
	}
	if v4 != "" {
		return v4, true
	}
	if v6 != "" {
		return v6, true
	}
	return "", false
}
