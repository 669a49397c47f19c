package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/scanfleet/internal/errors"
)

const (
	resolvConfPath  = "/etc/resolv.conf"
	dnsQueryTimeout = 5 * time.Second
)

// Resolver maps a host name to its addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// SystemResolver queries the nameservers from /etc/resolv.conf directly and
// falls back to the Go resolver when none answer.
type SystemResolver struct {
	servers  []string
	client   *dns.Client
	fallback *net.Resolver
	logger   *slog.Logger
}

// NewSystemResolver reads the system resolver configuration. A missing or
// unreadable resolv.conf leaves only the fallback resolver.
func NewSystemResolver(logger *slog.Logger) *SystemResolver {
	r := &SystemResolver{
		client:   &dns.Client{Timeout: dnsQueryTimeout},
		fallback: net.DefaultResolver,
		logger:   logger,
	}
	if cfg, err := dns.ClientConfigFromFile(resolvConfPath); err == nil {
		for _, server := range cfg.Servers {
			r.servers = append(r.servers, net.JoinHostPort(server, cfg.Port))
		}
	} else {
		logger.Debug("No usable resolv.conf, using fallback resolver", "error", err)
	}
	return r
}

// NewResolverWithServers builds a resolver against explicit host:port servers.
func NewResolverWithServers(servers []string, logger *slog.Logger) *SystemResolver {
	return &SystemResolver{
		servers:  servers,
		client:   &dns.Client{Timeout: dnsQueryTimeout},
		fallback: net.DefaultResolver,
		logger:   logger,
	}
}

// LookupHost returns the A and AAAA records for host.
func (r *SystemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	var ips []string
	for _, server := range r.servers {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			answers, err := r.query(ctx, server, host, qtype)
			if err != nil {
				r.logger.Debug("DNS query failed",
					"server", server,
					"host", host,
					"type", dns.TypeToString[qtype],
					"error", err)
				continue
			}
			ips = append(ips, answers...)
		}
		if len(ips) > 0 {
			return dedupe(ips), nil
		}
	}

	addrs, err := r.fallback.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return dedupe(addrs), nil
}

func (r *SystemResolver) query(ctx context.Context, server, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("server returned %s", dns.RcodeToString[resp.Rcode])
	}

	var ips []string
	for _, rr := range resp.Answer {
		switch record := rr.(type) {
		case *dns.A:
			ips = append(ips, record.A.String())
		case *dns.AAAA:
			ips = append(ips, record.AAAA.String())
		}
	}
	return ips, nil
}

// Resolve returns the addresses of target. IP literals resolve to
// themselves, and failures yield the target itself alongside the error.
func Resolve(ctx context.Context, resolver Resolver, target string) ([]string, error) {
	if ip := net.ParseIP(target); ip != nil {
		return []string{target}, nil
	}
	ips, err := resolver.LookupHost(ctx, target)
	if err != nil {
		return []string{target}, errors.ErrResolution(target, err)
	}
	if len(ips) == 0 {
		return []string{target}, errors.ErrResolution(target, fmt.Errorf("no addresses found"))
	}
	return ips, nil
}

// DNSLookup resolves each target to its addresses.
type DNSLookup struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewDNSLookup creates the dns-lookup tool.
func NewDNSLookup(resolver Resolver, logger *slog.Logger) *DNSLookup {
	return &DNSLookup{resolver: resolver, logger: logger}
}

// Name implements Tool.
func (d *DNSLookup) Name() string { return NameDNSLookup }

// Scan implements Tool.
func (d *DNSLookup) Scan(ctx context.Context, target string, _ map[string]interface{}) (Finding, error) {
	ips, err := Resolve(ctx, d.resolver, target)
	if err != nil {
		return Finding{ResolvedIPs: ips}, err
	}
	d.logger.Info("Resolved target", "target", target, "resolved_ips", ips)
	return Finding{ResolvedIPs: ips}, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
