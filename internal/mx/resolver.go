package mx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up the mail exchangers of a domain. Failures are not
// reported as errors: an unresolvable domain has no usable MX hosts.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) []string
}

// Resolution modes
const (
	ModeSystem = "system"
	ModeDirect = "direct"
)

// DefaultTimeout bounds a single MX query
const DefaultTimeout = 8 * time.Second

// Config holds resolver settings
type Config struct {
	Mode        string
	Nameservers []string
	Timeout     time.Duration

	// CacheTTL enables in-memory caching of successful lookups when positive
	CacheTTL  time.Duration
	CacheSize int
}

// New returns the resolver selected by config.Mode
func New(config Config, logger *slog.Logger) (Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	var r Resolver
	switch config.Mode {
	case "", ModeSystem:
		r = NewSystemResolver(nil, config.Timeout, logger)
	case ModeDirect:
		if len(config.Nameservers) == 0 {
			return nil, fmt.Errorf("dns mode %q requires at least one nameserver", ModeDirect)
		}
		r = NewDirectResolver(config.Nameservers, config.Timeout, logger)
	default:
		return nil, fmt.Errorf("unsupported dns mode: %s", config.Mode)
	}

	if config.CacheTTL > 0 {
		r = NewCachingResolver(r, config.CacheTTL, config.CacheSize, logger)
	}
	return r, nil
}

// record is a resolved exchanger before ordering
type record struct {
	host string
	pref uint16
}

// ordered sorts records by preference, strips the root dot and drops
// null MX entries.
func ordered(records []record) []string {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].pref < records[j].pref
	})

	hosts := make([]string, 0, len(records))
	for _, r := range records {
		host := strings.TrimSuffix(r.host, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts
}

// SystemResolver resolves through a net.Resolver
type SystemResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSystemResolver wraps r, or net.DefaultResolver when r is nil
func NewSystemResolver(r *net.Resolver, timeout time.Duration, logger *slog.Logger) *SystemResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemResolver{
		resolver: r,
		timeout:  timeout,
		logger:   logger.With("component", "mx-resolver", "mode", ModeSystem),
	}
}

// LookupMX implements Resolver
func (sr *SystemResolver) LookupMX(ctx context.Context, domain string) []string {
	lookupCtx, cancel := context.WithTimeout(ctx, sr.timeout)
	defer cancel()

	start := time.Now()
	mxs, err := sr.resolver.LookupMX(lookupCtx, domain)
	if err != nil {
		sr.logger.Debug("MX lookup failed", "domain", domain, "error", err, "latency", time.Since(start))
		return []string{}
	}

	records := make([]record, 0, len(mxs))
	for _, m := range mxs {
		records = append(records, record{host: m.Host, pref: m.Pref})
	}
	hosts := ordered(records)

	sr.logger.Debug("MX lookup completed", "domain", domain, "records", len(hosts), "latency", time.Since(start))
	return hosts
}

// DirectResolver queries the configured nameservers with miekg/dns
type DirectResolver struct {
	client      *dns.Client
	nameservers []string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewDirectResolver creates a resolver for nameservers given as host or host:port
func NewDirectResolver(nameservers []string, timeout time.Duration, logger *slog.Logger) *DirectResolver {
	if logger == nil {
		logger = slog.Default()
	}

	servers := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			ns = net.JoinHostPort(ns, "53")
		}
		servers = append(servers, ns)
	}

	return &DirectResolver{
		client:      &dns.Client{Net: "udp", Timeout: timeout},
		nameservers: servers,
		timeout:     timeout,
		logger:      logger.With("component", "mx-resolver", "mode", ModeDirect),
	}
}

// LookupMX implements Resolver. Nameservers are asked in order until one
// returns an authoritative answer; NXDOMAIN from any of them ends the lookup.
func (dr *DirectResolver) LookupMX(ctx context.Context, domain string) []string {
	lookupCtx, cancel := context.WithTimeout(ctx, dr.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.RecursionDesired = true

	for _, ns := range dr.nameservers {
		resp, err := dr.exchange(lookupCtx, msg, ns)
		if err != nil {
			dr.logger.Debug("MX query failed", "domain", domain, "nameserver", ns, "error", err)
			if lookupCtx.Err() != nil {
				break
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			dr.logger.Debug("MX lookup returned NXDOMAIN", "domain", domain, "nameserver", ns)
			return []string{}
		default:
			dr.logger.Debug("MX query rejected", "domain", domain, "nameserver", ns,
				"rcode", dns.RcodeToString[resp.Rcode])
			continue
		}

		var records []record
		for _, rr := range resp.Answer {
			if m, ok := rr.(*dns.MX); ok {
				records = append(records, record{host: m.Mx, pref: m.Preference})
			}
		}
		hosts := ordered(records)
		dr.logger.Debug("MX lookup completed", "domain", domain, "nameserver", ns, "records", len(hosts))
		return hosts
	}

	return []string{}
}

// exchange sends msg over UDP and repeats over TCP when the answer is truncated
func (dr *DirectResolver) exchange(ctx context.Context, msg *dns.Msg, ns string) (*dns.Msg, error) {
	resp, _, err := dr.client.ExchangeContext(ctx, msg, ns)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: dr.timeout}
		resp, _, err = tcp.ExchangeContext(ctx, msg, ns)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
