package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"
)

type Options struct {
	Servers    []string
	Timeout    time.Duration
	MaxRetries int
	CacheTTL   time.Duration
}

// Resolver answers the PTR and address lookups used to fill in hostnames and
// addresses of discovered assets. Queries go over UDP and fall back to TCP on
// truncation or transport failure; servers are used round-robin.
type Resolver struct {
	servers    []string
	maxRetries int
	timeout    time.Duration
	udpClient  *mdns.Client
	tcpClient  *mdns.Client
	cache      *cache
	logger     *logrus.Logger

	mu          sync.Mutex
	rotateIndex int
}

func NewResolver(opts Options, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	servers := opts.Servers
	if len(servers) == 0 {
		servers = systemResolvers()
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}

	return &Resolver{
		servers:    normalized,
		maxRetries: opts.MaxRetries,
		timeout:    opts.Timeout,
		udpClient:  &mdns.Client{Net: "udp", Timeout: opts.Timeout, UDPSize: 1232},
		tcpClient:  &mdns.Client{Net: "tcp", Timeout: opts.Timeout},
		cache:      newCache(opts.CacheTTL),
		logger:     logger,
	}
}

// LookupAddr returns the PTR names of ip without the trailing dot. A name
// that does not exist gives an empty result and no error.
func (r *Resolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	arpa, err := mdns.ReverseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, fmt.Errorf("reverse lookup %q: %w", ip, err)
	}
	return r.lookup(ctx, arpa, mdns.TypePTR)
}

// LookupHost returns the IPv4 then IPv6 addresses of host.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	name, err := idna.ToASCII(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if err != nil || name == "" {
		return nil, fmt.Errorf("invalid hostname %q: %w", host, err)
	}
	v4, err4 := r.lookup(ctx, name, mdns.TypeA)
	v6, err6 := r.lookup(ctx, name, mdns.TypeAAAA)
	if err4 != nil && err6 != nil {
		return nil, errors.Join(err4, err6)
	}
	return append(v4, v6...), nil
}

func (r *Resolver) lookup(ctx context.Context, name string, qtype uint16) ([]string, error) {
	fqdn := mdns.Fqdn(strings.ToLower(name))
	if values, ok := r.cache.get(fqdn, qtype); ok {
		return values, nil
	}

	var values []string
	var ttl uint32
	err := NewRetryHandler(r.maxRetries, r.timeout/10, r.logger).DoWithRetry(ctx, func() error {
		var err error
		values, ttl, err = r.query(ctx, fqdn, qtype)
		return err
	})

	var rerr *RcodeError
	if errors.As(err, &rerr) && rerr.Rcode == mdns.RcodeNameError {
		r.cache.set(fqdn, qtype, nil, 0)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.cache.set(fqdn, qtype, values, ttl)
	return values, nil
}

func (r *Resolver) query(ctx context.Context, fqdn string, qtype uint16) ([]string, uint32, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true
	msg.SetEdns0(1232, false)

	server := r.nextServer()
	resp, _, err := r.udpClient.ExchangeContext(ctx, msg, server)
	if err != nil || (resp != nil && resp.Truncated) {
		resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, server)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("dns query %s %s via %s: %w", fqdn, mdns.TypeToString[qtype], server, err)
	}
	if resp == nil {
		return nil, 0, fmt.Errorf("dns query %s: empty response", fqdn)
	}
	if resp.Rcode != mdns.RcodeSuccess {
		return nil, 0, &RcodeError{Name: strings.TrimSuffix(fqdn, "."), Rcode: resp.Rcode}
	}

	var values []string
	var minTTL uint32
	for _, rr := range resp.Answer {
		var v string
		switch rr := rr.(type) {
		case *mdns.A:
			v = rr.A.String()
		case *mdns.AAAA:
			v = rr.AAAA.String()
		case *mdns.PTR:
			v = strings.TrimSuffix(rr.Ptr, ".")
		default:
			continue
		}
		if minTTL == 0 || rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
		values = append(values, v)
	}
	return values, minTTL, nil
}

func (r *Resolver) nextServer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.servers[r.rotateIndex%len(r.servers)]
	r.rotateIndex = (r.rotateIndex + 1) % len(r.servers)
	return s
}

func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

func systemResolvers() []string {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

type cacheEntry struct {
	values  []string
	expires time.Time
}

type cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *cache) get(name string, qtype uint16) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(name, qtype)]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return append([]string(nil), e.values...), true
}

// set keeps an entry for the smaller of the record TTL and the cache TTL.
func (c *cache) set(name string, qtype uint16, values []string, ttl uint32) {
	d := c.ttl
	if ttl > 0 && time.Duration(ttl)*time.Second < d {
		d = time.Duration(ttl) * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(name, qtype)] = cacheEntry{
		values:  append([]string(nil), values...),
		expires: time.Now().Add(d),
	}
}

func cacheKey(name string, qtype uint16) string {
	return name + "|" + mdns.TypeToString[qtype]
}
