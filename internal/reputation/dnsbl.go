package reputation

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSBL scores an address by looking it up in a DNS blocklist zone. A listed
// address scores 100 and an unlisted one 0.
type DNSBL struct {
	Zone     string
	Resolver string // host:port
	Client   *dns.Client
}

// NewDNSBL returns a DNSBL querying zone through resolver over UDP.
func NewDNSBL(zone, resolver string, timeout time.Duration) *DNSBL {
	return &DNSBL{
		Zone:     zone,
		Resolver: resolver,
		Client:   &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (d *DNSBL) Name() string { return "dnsbl" }

// QueryName returns the blocklist name for ip under zone, e.g.
// 2.0.0.127.zen.spamhaus.org. for 127.0.0.2.
func QueryName(ip, zone string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("dnsbl: invalid address %q", ip)
	}
	rev, err := dns.ReverseAddr(addr.Unmap().WithZone("").String())
	if err != nil {
		return "", fmt.Errorf("dnsbl: reverse %s: %w", ip, err)
	}
	rev = strings.TrimSuffix(rev, "in-addr.arpa.")
	rev = strings.TrimSuffix(rev, "ip6.arpa.")
	return rev + dns.Fqdn(zone), nil
}

func (d *DNSBL) Query(ctx context.Context, ip string) (*Result, error) {
	name, err := QueryName(ip, d.Zone)
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.RecursionDesired = true

	client := d.Client
	if client == nil {
		client = &dns.Client{Net: "udp"}
	}
	resp, _, err := client.ExchangeContext(ctx, m, d.Resolver)
	if err != nil {
		return nil, fmt.Errorf("dnsbl query %s: %w", name, err)
	}

	switch resp.Rcode {
	case dns.RcodeNameError:
		return &Result{IP: ip, Domain: d.Zone}, nil
	case dns.RcodeSuccess:
	default:
		return nil, fmt.Errorf("dnsbl query %s: %s", name, dns.RcodeToString[resp.Rcode])
	}

	var codes []string
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		// 127.255.255.0/24 signals a refused or malformed query, not a listing.
		if v4 := a.A.To4(); v4 != nil && v4[0] == 127 && v4[1] == 255 && v4[2] == 255 {
			return nil, fmt.Errorf("dnsbl %s refused query: %s", d.Zone, a.A)
		}
		codes = append(codes, a.A.String())
	}
	if len(codes) == 0 {
		return &Result{IP: ip, Domain: d.Zone}, nil
	}
	return &Result{
		IP:                   ip,
		AbuseConfidenceScore: 100,
		Domain:               d.Zone,
		TotalReports:         len(codes),
		Listed:               true,
	}, nil
}
