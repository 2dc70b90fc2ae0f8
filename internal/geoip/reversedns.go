// Package geoip enriches an IP with reverse DNS, geolocation and a
// coarse classification (datacenter/residential/mobile/...), caching
// results so the ingestion path never blocks an offense on a slow
// network lookup more than once per IP per TTL. Grounded on the
// DNS client pattern (miekg/dns) and the
// registrydata client's RDAP/WHOIS/singleflight layering, adapted from
// domain lookups to IP lookups.
package geoip

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ReverseDNS resolves a PTR record for ip against resolverAddr
// ("host:port"), modeled on the miekg/dns client
// exchange idiom rather than net.LookupAddr so callers control the
// resolver and timeout explicitly.
func ReverseDNS(ctx context.Context, resolverAddr, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("building reverse address: %w", err)
	}

	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	c := new(dns.Client)
	deadline, ok := ctx.Deadline()
	if ok {
		c.Timeout = time.Until(deadline)
	}

	resp, _, err := c.ExchangeContext(ctx, m, resolverAddr)
	if err != nil {
		return "", fmt.Errorf("exchanging PTR query: %w", err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return "", nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("resolver returned rcode %s", dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", nil
}
