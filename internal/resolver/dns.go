// File: internal/resolver/dns.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// DNS queries the configured servers directly: AAAA first, then A.
type DNS struct {
	Servers []string // host:port
	Timeout time.Duration
	Net     string // "udp" (default) or "tcp"
}

// Resolve tries each server in turn until one answers.
func (d DNS) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if len(d.Servers) == 0 {
		return nil, fmt.Errorf("resolver: no dns servers configured")
	}
	c := &dns.Client{Net: d.Net, Timeout: d.Timeout}
	var lastErr error
	for _, server := range d.Servers {
		var addrs []netip.Addr
		answered := false
		for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
			got, err := d.query(ctx, c, server, host, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			answered = true
			addrs = append(addrs, got...)
		}
		if answered && len(addrs) > 0 {
			return dedupe(addrs)
		}
		if answered {
			lastErr = fmt.Errorf("%w: %s", ErrNoAddresses, host)
		}
	}
	return nil, lastErr
}

func (d DNS) query(ctx context.Context, c *dns.Client, server, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	in, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("resolver: query %s %s: %w", dns.TypeToString[qtype], host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver: %s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[in.Rcode])
	}
	var out []netip.Addr
	for _, rr := range in.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				out = append(out, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
				out = append(out, a)
			}
		}
	}
	return out, nil
}
