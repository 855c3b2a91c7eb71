// File: internal/resolver/resolver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Host name resolution for multi-candidate connects. Resolution always runs
// off the dispatch loop; callers hand the result back through the loop's
// post primitive.

package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

// ErrNoAddresses is returned when a name resolves to nothing usable.
var ErrNoAddresses = errors.New("resolver: no addresses")

// Resolver maps a host name to an ordered list of candidate addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// System resolves through the Go net resolver (hosts file, nsswitch, cgo).
type System struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

// Resolve returns the addresses in the order the system resolver yields them.
func (s System) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return dedupe(addrs)
}

func dedupe(addrs []netip.Addr) ([]netip.Addr, error) {
	seen := make(map[netip.Addr]struct{}, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		a = a.Unmap()
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, ErrNoAddresses
	}
	return out, nil
}
