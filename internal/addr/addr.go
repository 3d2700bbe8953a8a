// Package addr implements the address and network primitives (spec
// component A): parsing and formatting of IPv4/IPv6 literals and
// CIDR-style networks, and reverse-DNS name synthesis. Everything here
// is pure parsing — no name resolution is ever performed.
package addr

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family distinguishes the two address families dnsconfd understands.
// A tagged variant is used instead of inferring family from storage
// shape, matching the data model's explicit-family requirement.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV4 {
		return "ipv4"
	}
	return "ipv6"
}

// Address is a parsed IP literal plus an optional port. Port 0 means
// "unset"; callers apply protocol-specific defaults (53/853) later.
type Address struct {
	Family Family
	IP     netip.Addr
	Port   uint16
}

// ParseAddress parses a numeric IPv4 or IPv6 literal. It never
// performs a name lookup: a hostname input is always an error.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	fam := FamilyV4
	if ip.Is6() && !ip.Is4In6() {
		fam = FamilyV6
	}
	return Address{Family: fam, IP: ip.Unmap()}, nil
}

// Format returns the canonical textual form of the address, with no
// brackets around IPv6 literals.
func (a Address) Format() string {
	return a.IP.String()
}

// WithDefaultPort returns a copy of a with Port set to def if it was
// previously unset (0).
func (a Address) WithDefaultPort(def uint16) Address {
	if a.Port == 0 {
		a.Port = def
	}
	return a
}

// Network is an address plus a prefix length: 0-32 for IPv4, 0-128 for
// IPv6.
type Network struct {
	Addr   Address
	Prefix int
}

// ParseNetwork parses the "<ip>/<prefix>" CIDR form required by the
// server model's `networks` field and by URI/JSON `network=` entries.
func ParseNetwork(s string) (Network, error) {
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return Network{}, fmt.Errorf("invalid network %q: missing prefix length", s)
	}
	ipPart, prefixPart := s[:idx], s[idx+1:]

	a, err := ParseAddress(ipPart)
	if err != nil {
		return Network{}, fmt.Errorf("invalid network %q: %w", s, err)
	}

	prefix, err := strconv.Atoi(prefixPart)
	if err != nil {
		return Network{}, fmt.Errorf("invalid network %q: prefix is not an integer", s)
	}

	max := 32
	if a.Family == FamilyV6 {
		max = 128
	}
	if prefix < 0 || prefix > max {
		return Network{}, fmt.Errorf("invalid network %q: prefix %d out of range 0-%d", s, prefix, max)
	}

	return Network{Addr: a, Prefix: prefix}, nil
}

// ToReverseDNS produces the labelized reverse-DNS zone name for a
// network. The prefix is rounded down to whole octets (IPv4) or
// nibbles (IPv6): a prefix that splits an octet/nibble truncates
// downward, so the synthesized zone only ever covers whole labels.
func ToReverseDNS(n Network) string {
	if n.Addr.Family == FamilyV4 {
		octets := n.Prefix / 8
		b := n.Addr.IP.As4()
		labels := make([]string, octets)
		for i := 0; i < octets; i++ {
			labels[octets-1-i] = strconv.Itoa(int(b[i]))
		}
		return strings.Join(labels, ".") + ".in-addr.arpa"
	}

	nibbles := n.Prefix / 4
	b := n.Addr.IP.As16()
	const hexDigits = "0123456789abcdef"
	labels := make([]string, nibbles)
	for i := 0; i < nibbles; i++ {
		byteVal := b[i/2]
		var nibble byte
		if i%2 == 0 {
			nibble = byteVal >> 4
		} else {
			nibble = byteVal & 0x0f
		}
		labels[nibbles-1-i] = string(hexDigits[nibble])
	}
	return strings.Join(labels, ".") + ".ip6.arpa"
}
