// File: api/family.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net/netip"

// Family is a socket address family.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "unspec"
}

// FamilyOf returns the family an address belongs to. IPv4-mapped IPv6
// addresses count as IPv4.
func FamilyOf(a netip.Addr) Family {
	switch {
	case !a.IsValid():
		return FamilyUnspec
	case a.Is4() || a.Is4In6():
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Accepts reports whether a socket of family f can reach addr.
func (f Family) Accepts(addr netip.Addr) bool {
	return f == FamilyUnspec || FamilyOf(addr) == f
}
